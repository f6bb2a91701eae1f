package device

import (
	"encoding/hex"
	"fmt"
	"strings"
)

// MAC is a 48-bit BLE device address, most significant byte first.
type MAC [6]byte

// ParseMAC accepts "AA:BB:CC:11:22:33", "aa-bb-cc-11-22-33" and
// "aabbcc112233" in any letter case.
func ParseMAC(s string) (MAC, error) {
	var m MAC
	raw := strings.TrimSpace(s)
	clean := raw
	switch len(raw) {
	case 12:
	case 17:
		var b strings.Builder
		for i := 0; i < len(raw); i++ {
			if i%3 == 2 {
				if raw[i] != ':' && raw[i] != '-' {
					return MAC{}, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
				}
				continue
			}
			b.WriteByte(raw[i])
		}
		clean = b.String()
	default:
		return MAC{}, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	if _, err := hex.Decode(m[:], []byte(clean)); err != nil {
		return MAC{}, fmt.Errorf("%w: %q", ErrInvalidMAC, s)
	}
	return m, nil
}

// MustParseMAC is ParseMAC for constants and tests. It panics on error.
func MustParseMAC(s string) MAC {
	m, err := ParseMAC(s)
	if err != nil {
		panic(err)
	}
	return m
}

// String formats the address as upper-case colon-separated hex.
func (m MAC) String() string {
	const digits = "0123456789ABCDEF"
	buf := make([]byte, 0, 17)
	for i, b := range m {
		if i > 0 {
			buf = append(buf, ':')
		}
		buf = append(buf, digits[b>>4], digits[b&0x0f])
	}
	return string(buf)
}

// TopicID is the lower-case hex form without separators, used in MQTT
// topics and entity ids.
func (m MAC) TopicID() string {
	return hex.EncodeToString(m[:])
}

// IsZero reports whether m is the all-zero address.
func (m MAC) IsZero() bool {
	return m == MAC{}
}

// MarshalText implements encoding.TextMarshaler.
func (m MAC) MarshalText() ([]byte, error) {
	return []byte(m.String()), nil
}

// UnmarshalText implements encoding.TextUnmarshaler.
func (m *MAC) UnmarshalText(text []byte) error {
	parsed, err := ParseMAC(string(text))
	if err != nil {
		return err
	}
	*m = parsed
	return nil
}
