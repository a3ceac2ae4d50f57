// Package mqtt connects the hub to an MQTT broker for the mod-event bridge.
//
// The client wraps paho.mqtt.golang with auto-reconnect, subscription
// restoration, and retained online/offline status including a Last Will for
// crash detection. The bridge subscribes to pulselink/event/# and publishes
// decoded mod events onto the process event bus.
package mqtt
