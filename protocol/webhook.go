package protocol

import "strings"

// Webhooks resolves the callback address this instance advertises per protocol.
type Webhooks interface {
	Callback(protocol string) (string, bool)
}

// StaticWebhooks maps protocol names to callback URLs. The empty key is the
// fallback for protocols without their own entry.
type StaticWebhooks map[string]string

func (w StaticWebhooks) Callback(protocol string) (string, bool) {
	if addr, ok := w[strings.ToLower(protocol)]; ok && addr != "" {
		return addr, true
	}
	addr, ok := w[""]
	return addr, ok && addr != ""
}
