// Package idgen generates short random alphanumeric identifiers used
// throughout the protocol: mission extension codes, message_id values,
// mac-safe codes, and correlator tags.
package idgen

import (
	"crypto/rand"
	"fmt"
	"math/big"
	"net"
)

const alphabet = "ABCDEFGHIJKLMNOPQRSTUVWXYZabcdefghijklmnopqrstuvwxyz0123456789"

// Generate returns a random alphanumeric string of the given length.
// Panics only if the system CSPRNG fails, which indicates a broken host.
func Generate(length int) string {
	return generateFrom(alphabet, length)
}

func generateFrom(chars string, length int) string {
	if length <= 0 {
		return ""
	}
	out := make([]byte, length)
	max := big.NewInt(int64(len(chars)))
	for i := range out {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Errorf("idgen: crypto/rand failure: %w", err))
		}
		out[i] = chars[n.Int64()]
	}
	return string(out)
}

// MessageID returns an 8-character message correlator ID.
func MessageID() string { return Generate(8) }

// MissionCode returns a 6-character mission extension code.
func MissionCode() string { return Generate(6) }

// SafeCode is an alias for MissionCode, matching the length MultiPipe
// uses for its pipe safe_code.
func SafeCode() string { return Generate(6) }

const corrAlphabet = "abcdefghijklmnopqrstuvwxyz0123456789"

// Correlator returns a 4-character "_add" correlator tag. Correlators use
// a narrower lowercase-plus-digits alphabet than the other identifiers.
func Correlator() string {
	return generateFrom(corrAlphabet, 4)
}

// RandomGroup returns an 8-character random password suitable as the
// shared secret for a default/bootstrap group when the operator supplied
// none.
func RandomGroup() string {
	return Generate(8)
}

// HostMac returns the first non-loopback hardware address it finds,
// formatted "aa:bb:cc:dd:ee:ff", optionally suffixed "-<role>-<4char>"
// so several nodes with a role can share one host. If no interface
// reports a hardware address, it falls back to a random 6-byte value in
// the same format so callers always get a well-formed id.
func HostMac(role string) string {
	mac := firstHardwareAddr()
	if mac == "" {
		mac = randomHexMac()
	}
	if role != "" {
		mac = mac + "-" + role + "-" + generateFrom(corrAlphabet, 4)
	}
	return mac
}

func firstHardwareAddr() string {
	ifaces, err := net.Interfaces()
	if err != nil {
		return ""
	}
	for _, iface := range ifaces {
		if len(iface.HardwareAddr) == 6 {
			return iface.HardwareAddr.String()
		}
	}
	return ""
}

func randomHexMac() string {
	b := make([]byte, 6)
	max := big.NewInt(256)
	for i := range b {
		n, err := rand.Int(rand.Reader, max)
		if err != nil {
			panic(fmt.Errorf("idgen: crypto/rand failure: %w", err))
		}
		b[i] = byte(n.Int64())
	}
	return net.HardwareAddr(b).String()
}
