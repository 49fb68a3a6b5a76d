package broker

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"time"

	"github.com/tenzoki/meshwire/internal/mux"
)

// Membership listings are rebuilt at most once per TTL window; any
// membership change invalidates the cached view immediately.
const (
	activitiesCacheKey = "activities"
	activitiesCacheTTL = 5 * time.Second
)

// defaultCommands returns the broker-local `cmd` verbs every port supports
// out of the box: lsc/activities (membership listing), alive (liveness
// probe), trans (legacy byte-stream transfer), flow_trans (framed
// point-to-point transfer).
func defaultCommands() map[string]CommandFunc {
	return map[string]CommandFunc{
		"lsc":        cmdActivities,
		"activities": cmdActivities,
		"alive":      cmdAlive,
		"trans":      cmdTrans,
		"flow_trans": cmdFlowTrans,
	}
}

// memberView is what a `lsc`/`activities` reply exposes per member; the
// Pipe is not serializable and is deliberately omitted.
type memberView struct {
	Group    string `json:"group"`
	Mac      string `json:"mac"`
	Version  string `json:"version"`
	OS       string `json:"os"`
	Name     string `json:"name"`
	LastSeen int64  `json:"last_seen"`
}

func cmdActivities(p *Port, source *Member, req envelope) (interface{}, error) {
	if cached, ok := p.cache.Get(activitiesCacheKey); ok {
		return cached, nil
	}
	members := p.registry.list()
	views := make([]memberView, 0, len(members))
	for _, m := range members {
		views = append(views, memberView{
			Group:    m.Group,
			Mac:      m.Mac,
			Version:  m.Version,
			OS:       m.OS,
			Name:     m.Name,
			LastSeen: m.LastSeen.Unix(),
		})
	}
	p.cache.Set(activitiesCacheKey, views, 0)
	return views, nil
}

func cmdAlive(p *Port, source *Member, req envelope) (interface{}, error) {
	return "OK", nil
}

// cmdTrans implements the legacy byte-stream transfer verb: "Con" if the
// target exists (and the target is notified of the incoming transfer so
// it can prepare to receive `name`/`size` bytes in `buff`-sized chunks),
// "Not" if it does not. The actual bytes travel as a follow-up mission
// tagged `_type":"trans_data"` from the source, forwarded verbatim to the
// target by dispatchTransData.
func cmdTrans(p *Port, source *Member, req envelope) (interface{}, error) {
	targetMac := req.str("target")
	target, ok := p.registry.get(targetMac)
	if !ok {
		return "Not", nil
	}

	p.mu.Lock()
	if p.pendingTrans == nil {
		p.pendingTrans = make(map[string]string)
	}
	p.pendingTrans[source.Mac] = targetMac
	p.mu.Unlock()

	notify := envelope{
		"_type":  "trans_incoming",
		"name":   req["name"],
		"size":   req["size"],
		"buff":   req["buff"],
		"sender": source.Mac,
	}
	body, err := json.Marshal(notify)
	if err != nil {
		return nil, err
	}
	if _, err := target.Pipe.CreateMission(body, nil, mux.DefaultChunkSize); err != nil {
		return "Not", nil
	}
	return "Con", nil
}

// dispatchTransData forwards the byte payload of a prior cmdTrans call to
// its registered target, verbatim and exactly once.
func (p *Port) dispatchTransData(source *Member, req envelope) error {
	p.mu.Lock()
	targetMac, ok := p.pendingTrans[source.Mac]
	if ok {
		delete(p.pendingTrans, source.Mac)
	}
	p.mu.Unlock()
	if !ok {
		return fmt.Errorf("broker: trans_data from mac=%s with no pending trans", source.Mac)
	}

	target, ok := p.registry.get(targetMac)
	if !ok {
		return nil
	}

	payload, err := base64.StdEncoding.DecodeString(req.str("_data_b64"))
	if err != nil {
		return fmt.Errorf("broker: malformed trans_data payload: %w", err)
	}
	if _, err := target.Pipe.CreateMission(payload, map[string]interface{}{"name": req["name"]}, mux.DefaultChunkSize); err != nil {
		target.Pipe.Close(fmt.Errorf("broker: trans_data forward failed: %w", err))
		return err
	}
	return nil
}

// cmdFlowTrans is the framed variant: the source supplies the original
// frame's extension tag and base64-encoded meta body; the broker forwards
// both verbatim to the target as one mission, gated by both endpoints'
// flow semaphores so no other flow_trans runs concurrently on either
// connection.
func cmdFlowTrans(p *Port, source *Member, req envelope) (interface{}, error) {
	targetMac := req.str("target")
	target, ok := p.registry.get(targetMac)
	if !ok {
		return nil, fmt.Errorf("flow_trans target %q not found", targetMac)
	}

	// Acquire both gates in mac order so two opposite-direction transfers
	// cannot deadlock holding one gate each.
	first, second := source, target
	if second.Mac < first.Mac {
		first, second = second, first
	}
	releaseFirst := first.acquireFlow()
	defer releaseFirst()
	if second != first {
		releaseSecond := second.acquireFlow()
		defer releaseSecond()
	}

	metaB64 := req.str("meta")
	meta, err := base64.StdEncoding.DecodeString(metaB64)
	if err != nil {
		return nil, fmt.Errorf("malformed flow_trans meta: %w", err)
	}

	info := map[string]interface{}{
		"_flow_ext": req.str("ext"),
		"sender":    source.Mac,
		"time":      time.Now().Unix(),
	}
	if _, err := target.Pipe.CreateMission(meta, info, mux.DefaultChunkSize); err != nil {
		return nil, fmt.Errorf("flow_trans forward failed: %w", err)
	}
	return "OK", nil
}
