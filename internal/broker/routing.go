package broker

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/tenzoki/meshwire/internal/mux"
)

type envelope map[string]interface{}

func (e envelope) str(key string) string {
	v, _ := e[key].(string)
	return v
}

// dispatch handles one control envelope read off a member's connection:
// `cmd` is executed broker-side, `for` is forwarded to another member,
// `trans_data` completes a prior `trans`. An unrecognized `_type` or a
// malformed envelope is not acted on and is reported as an error, which
// routeLoop logs before reading the next envelope (a single bad envelope
// never poisons the broker or closes the connection).
func (p *Port) dispatch(source *Member, msg mux.Message) error {
	var req envelope
	if err := json.Unmarshal(msg.Data, &req); err != nil {
		return fmt.Errorf("broker: malformed control envelope from mac=%s: %w", source.Mac, err)
	}

	switch req.str("_type") {
	case "cmd":
		return p.dispatchCmd(source, req)
	case "for":
		return p.dispatchFor(source, req)
	case "trans_data":
		return p.dispatchTransData(source, req)
	default:
		return fmt.Errorf("broker: unknown _type %q from mac=%s", req.str("_type"), source.Mac)
	}
}

func (p *Port) dispatchCmd(source *Member, req envelope) error {
	cmdName := req.str("cmd")

	p.mu.RLock()
	fn, ok := p.commands[cmdName]
	p.mu.RUnlock()
	if !ok {
		return p.replyToSource(source, req, nil, fmt.Errorf("unknown command %q", cmdName))
	}

	result, err := fn(p, source, req)
	return p.replyToSource(source, req, result, err)
}

func (p *Port) replyToSource(source *Member, req envelope, result interface{}, cmdErr error) error {
	reply := envelope{
		"sender": "_server",
		"time":   time.Now().Unix(),
	}
	if add, ok := req["_add"]; ok {
		reply["_add"] = add
	}
	if cmdErr != nil {
		reply["_error"] = cmdErr.Error()
	} else {
		reply["_data"] = result
	}

	body, err := json.Marshal(reply)
	if err != nil {
		return fmt.Errorf("broker: marshal cmd reply: %w", err)
	}
	if _, err := source.Pipe.CreateMission(body, nil, mux.DefaultChunkSize); err != nil {
		return fmt.Errorf("broker: send cmd reply to mac=%s: %w", source.Mac, err)
	}
	return nil
}

// dispatchFor forwards an envelope to recver, stamping sender and time
// and dropping any fields that only make sense from the originator's
// point of view. A missing target drops the envelope silently; a send
// failure closes the target connection.
func (p *Port) dispatchFor(source *Member, req envelope) error {
	recver := req.str("recver")
	target, ok := p.registry.get(recver)
	if !ok {
		return nil
	}

	forwarded := envelope{
		"sender": source.Mac,
		"time":   time.Now().Unix(),
	}
	if data, ok := req["_data"]; ok {
		forwarded["_data"] = data
	}
	if add, ok := req["_add"]; ok {
		forwarded["_add"] = add
	}

	body, err := json.Marshal(forwarded)
	if err != nil {
		return fmt.Errorf("broker: marshal forward envelope: %w", err)
	}
	if _, err := target.Pipe.CreateMission(body, nil, mux.DefaultChunkSize); err != nil {
		target.Pipe.Close(fmt.Errorf("broker: forward send failed: %w", err))
		return fmt.Errorf("broker: forward to mac=%s failed, connection closed: %w", recver, err)
	}
	return nil
}
