package types

import (
	"fmt"
	"time"
)

// Target is a host plus the ports to probe on it. No ports means ICMP-only mode.
type Target struct {
	Host  string   `json:"host"`
	Ports []uint16 `json:"ports"`
}

// HasPort reports whether p was requested for the target.
func (t Target) HasPort(p uint16) bool {
	for _, port := range t.Ports {
		if port == p {
			return true
		}
	}
	return false
}

// Status is the reachability classification of one CheckResult.
type Status int

const (
	StatusClosed Status = iota
	StatusOpen
	// StatusUnknown is only used for an alive address in ICMP mode.
	StatusUnknown
)

func (s Status) String() string {
	switch s {
	case StatusOpen:
		return "open"
	case StatusClosed:
		return "closed"
	case StatusUnknown:
		return "unknown"
	default:
		return fmt.Sprintf("status(%d)", int(s))
	}
}

// Label is the human readable form used by the text output.
func (s Status) Label() string {
	switch s {
	case StatusOpen:
		return "opened"
	case StatusUnknown:
		return "Address pingable."
	default:
		return "Closed"
	}
}

func (s Status) MarshalText() ([]byte, error) { return []byte(s.String()), nil }

func (s *Status) UnmarshalText(b []byte) error {
	switch string(b) {
	case "open":
		*s = StatusOpen
	case "closed":
		*s = StatusClosed
	case "unknown":
		*s = StatusUnknown
	default:
		return fmt.Errorf("unknown status %q", string(b))
	}
	return nil
}

// CertKind tags a CertVerdict.
type CertKind int

const (
	CertNotApplicable CertKind = iota
	CertValid
	CertInvalid
)

func (k CertKind) String() string {
	switch k {
	case CertValid:
		return "valid"
	case CertInvalid:
		return "invalid"
	default:
		return "not_applicable"
	}
}

func (k CertKind) MarshalText() ([]byte, error) { return []byte(k.String()), nil }

func (k *CertKind) UnmarshalText(b []byte) error {
	switch string(b) {
	case "valid":
		*k = CertValid
	case "invalid":
		*k = CertInvalid
	case "not_applicable":
		*k = CertNotApplicable
	default:
		return fmt.Errorf("unknown cert kind %q", string(b))
	}
	return nil
}

// CertVerdict is the outcome of a certificate probe. Reason is only set for CertInvalid.
type CertVerdict struct {
	Kind   CertKind `json:"kind"`
	Reason string   `json:"reason,omitempty"`
}

func Valid() CertVerdict                { return CertVerdict{Kind: CertValid} }
func NotApplicable() CertVerdict        { return CertVerdict{Kind: CertNotApplicable} }
func Invalid(reason string) CertVerdict { return CertVerdict{Kind: CertInvalid, Reason: reason} }

func (v CertVerdict) String() string {
	if v.Kind == CertInvalid {
		return "invalid: " + v.Reason
	}
	return v.Kind.String()
}

// CheckResult is the normalized outcome for one (address, port) pair, one
// ICMP-mode address, or one requested port of a target that did not resolve.
type CheckResult struct {
	Timestamp time.Time    `json:"timestamp"`
	Host      string       `json:"host"`
	IP        string       `json:"ip,omitempty"`
	RTTMs     float64      `json:"rtt_ms"`
	Port      uint16       `json:"port,omitempty"`
	Status    Status       `json:"status"`
	Cert      *CertVerdict `json:"cert,omitempty"`
}

// Resolved reports whether the host resolved to the address in IP.
func (r CheckResult) Resolved() bool { return r.IP != "" }

// HasPort is false only for ICMP-mode results.
func (r CheckResult) HasPort() bool { return r.Port != 0 }
