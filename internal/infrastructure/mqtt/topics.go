package mqtt

import "strings"

// Topics builds regsup's MQTT topic names under a configurable prefix.
//
//	topics := mqtt.Topics{Prefix: "regsup"}
//	topics.State() // "regsup/state"
type Topics struct {
	Prefix string
}

func (t Topics) join(parts ...string) string {
	return strings.TrimSuffix(t.Prefix, "/") + "/" + strings.Join(parts, "/")
}

// Status carries the retained online/offline status, including the LWT.
func (t Topics) Status() string { return t.join("status") }

// State carries the retained supervisor state after every transition.
func (t Topics) State() string { return t.join("state") }

// Tasks carries one non-retained report per resolved task.
func (t Topics) Tasks() string { return t.join("tasks") }

// Config carries the retained registry configuration once discovered.
func (t Topics) Config() string { return t.join("config") }

// VersionRequest is subscribed to for remote version queries.
func (t Topics) VersionRequest() string { return t.join("request", "versions") }

// Versions returns the retained topic holding the versions of pkg.
// Scoped names keep their slash, so "@types/node" becomes
// "regsup/versions/@types/node".
func (t Topics) Versions(pkg string) string { return t.join("versions", pkg) }

// All matches every regsup topic.
func (t Topics) All() string { return t.join("#") }
