package nvm

import "fmt"

// Well-known flag keys. The store accepts arbitrary keys; these are
// the ones the boot path and recovery session rely on.
const (
	KeyRecoveryRequested = "recovery_requested"
	KeyDeveloperMode     = "developer_mode"
	KeyDeviceID          = "device_id"
	KeyLastBootStatus    = "last_boot_status"
	KeyDefaultNetwork    = "default_network"
	KeyBootFailCount     = "boot_fail_count"
	KeyFirstBootDone     = "first_boot_done"
)

// Last-boot-status values.
const (
	BootStatusClean     = "clean"
	BootStatusFailed    = "failed"
	BootStatusRecovered = "recovered"
)

type ValueKind uint8

const (
	KindBool ValueKind = iota + 1
	KindCounter
	KindString
)

// Value is a typed flag value. Flags are small persistent settings:
// booleans, one-byte counters, and short strings.
type Value struct {
	kind ValueKind
	b    bool
	u    uint8
	s    string
}

func Bool(v bool) Value     { return Value{kind: KindBool, b: v} }
func Counter(v uint8) Value { return Value{kind: KindCounter, u: v} }
func String(v string) Value { return Value{kind: KindString, s: v} }

func (v Value) Kind() ValueKind { return v.kind }
func (v Value) Bool() bool      { return v.b }
func (v Value) Counter() uint8  { return v.u }
func (v Value) Str() string     { return v.s }

func (v Value) String() string {
	switch v.kind {
	case KindBool:
		return fmt.Sprintf("%t", v.b)
	case KindCounter:
		return fmt.Sprintf("%d", v.u)
	case KindString:
		return v.s
	default:
		return "<unset>"
	}
}

func (v Value) equal(o Value) bool {
	return v.kind == o.kind && v.b == o.b && v.u == o.u && v.s == o.s
}

func (v Value) payload() []byte {
	switch v.kind {
	case KindBool:
		if v.b {
			return []byte{1}
		}
		return []byte{0}
	case KindCounter:
		return []byte{v.u}
	case KindString:
		return []byte(v.s)
	default:
		return nil
	}
}

func valueFrom(kind ValueKind, payload []byte) (Value, error) {
	switch kind {
	case KindBool:
		if len(payload) != 1 {
			return Value{}, fmt.Errorf("bool payload must be 1 byte, got %d", len(payload))
		}
		return Bool(payload[0] != 0), nil
	case KindCounter:
		if len(payload) != 1 {
			return Value{}, fmt.Errorf("counter payload must be 1 byte, got %d", len(payload))
		}
		return Counter(payload[0]), nil
	case KindString:
		return String(string(payload)), nil
	default:
		return Value{}, fmt.Errorf("unknown value kind %d", kind)
	}
}
