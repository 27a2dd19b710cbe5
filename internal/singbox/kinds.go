package singbox

import (
	"fmt"

	"github.com/blikh/singbox-panel/internal/directory"
)

// ListenerKind selects how directory users are projected into an inbound.
type ListenerKind int

const (
	// KindUnmanaged inbounds are left untouched.
	KindUnmanaged ListenerKind = iota
	// KindIdentity inbounds authenticate by UUID.
	KindIdentity
	// KindIdentityFlow inbounds authenticate by UUID and require the
	// vision flow (vless behind REALITY).
	KindIdentityFlow
	// KindSecret inbounds authenticate by shared password.
	KindSecret
)

func (k ListenerKind) String() string {
	switch k {
	case KindIdentity:
		return "identity"
	case KindIdentityFlow:
		return "identity+flow"
	case KindSecret:
		return "secret"
	default:
		return "unmanaged"
	}
}

const visionFlow = "xtls-rprx-vision"

type identityEntry struct {
	UUID string `json:"uuid"`
}

type identityFlowEntry struct {
	UUID string `json:"uuid"`
	Flow string `json:"flow"`
}

type secretEntry struct {
	Password string `json:"password"`
}

type projection func(users []directory.User) any

var projections = map[ListenerKind]projection{
	KindIdentity: func(users []directory.User) any {
		out := make([]identityEntry, 0, len(users))
		for _, u := range users {
			out = append(out, identityEntry{UUID: u.UUID})
		}
		return out
	},
	KindIdentityFlow: func(users []directory.User) any {
		out := make([]identityFlowEntry, 0, len(users))
		for _, u := range users {
			out = append(out, identityFlowEntry{UUID: u.UUID, Flow: visionFlow})
		}
		return out
	},
	KindSecret: func(users []directory.User) any {
		out := make([]secretEntry, 0, len(users))
		for _, u := range users {
			out = append(out, secretEntry{Password: u.Password})
		}
		return out
	},
}

type inboundTLS struct {
	Reality struct {
		Enabled bool `json:"enabled"`
	} `json:"reality"`
}

func classify(in *object) (ListenerKind, error) {
	var typ string
	if _, err := in.get("type", &typ); err != nil {
		return KindUnmanaged, fmt.Errorf("decode type: %w", err)
	}
	switch typ {
	case "vless":
		var tls inboundTLS
		if _, err := in.get("tls", &tls); err != nil {
			return KindUnmanaged, fmt.Errorf("decode tls: %w", err)
		}
		if tls.Reality.Enabled {
			return KindIdentityFlow, nil
		}
		return KindIdentity, nil
	case "vmess":
		return KindIdentity, nil
	case "hysteria2", "trojan":
		return KindSecret, nil
	default:
		return KindUnmanaged, nil
	}
}
