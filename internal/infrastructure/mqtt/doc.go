// Package mqtt publishes regsup's supervisor events to an MQTT broker.
//
// All topics live under a configurable prefix (default "regsup"):
//
//	regsup/status             retained online/offline, LWT on crash
//	regsup/state              retained supervisor state
//	regsup/tasks              one report per resolved task
//	regsup/config             retained registry configuration
//	regsup/request/versions   subscribed: {"package": "left-pad"}
//	regsup/versions/<pkg>     retained version list answering a request
//
// # Usage
//
//	client, err := mqtt.Connect(cfg.MQTT)
//	if err != nil {
//	    return err
//	}
//	defer client.Close()
//
//	err = client.PublishJSON(client.Topics().State(), stats, true)
//
// Credentials should come from REGSUP_MQTT_USERNAME and
// REGSUP_MQTT_PASSWORD rather than the config file. Use TLS
// (broker.tls) for any broker off the local host.
package mqtt
