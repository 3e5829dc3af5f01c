package sensorhub

import "github.com/sagernet/sing/common/logger"

// HostEvent is the tagged payload broadcast by notify_host_event,
// modeled per §9 as {event_id, bytes}.
type HostEvent struct {
	EventID uint32
	Bytes   []byte
}

// Plugin is the ABI every loaded module must satisfy (§4.5, §6 "Plugin
// ABI"). The well-known entry symbol each plugin exports returns a value
// implementing this interface, bound to a PluginService by the host.
type Plugin interface {
	// Init is called once after load, with the PluginService bound to
	// this plugin instance.
	Init(service *PluginService) error
	// Update is polled once per host update() tick (§4.5). A returned
	// error is logged but does not unload the plugin (tolerate
	// transient errors policy).
	Update() error
	// OnHostEvent delivers a host-wide event to the plugin (§4.6).
	OnHostEvent(event HostEvent)
	// Destroy tears the plugin's own streams down; called in reverse
	// load order during host shutdown (§4.5).
	Destroy()
}

// PluginService is the host-to-plugin callback surface bound to one
// loaded plugin (§4.6). A plugin only ever sees methods on *its own*
// PluginService, never the PluginManager directly — this is the
// encapsulation boundary spec.md §1 calls out between the core and the
// concrete plugins.
type PluginService struct {
	manager *PluginManager
	log     logger.Logger
}

func newPluginService(m *PluginManager, log logger.Logger) *PluginService {
	return &PluginService{manager: m, log: log}
}

// CreateStreamSet opens (or reuses) a StreamSet under uri via the host's
// catalog.
func (p *PluginService) CreateStreamSet(uri string) *StreamSet {
	return p.manager.catalog.Open(uri)
}

// RegisterStream creates (or promotes a placeholder for) a stream at
// desc within the set at uri, bound to callbacks.
func (p *PluginService) RegisterStream(setURI string, desc StreamDescription, callbacks StreamCallbacks) *Stream {
	set := p.manager.catalog.Open(setURI)
	return set.CreateStream(desc, callbacks)
}

// PublishFrame publishes payload (with optional metadata) into stream's
// bin and notifies consumers (§4.6).
func (p *PluginService) PublishFrame(stream *Stream, payload []byte, metadata []byte) (uint64, error) {
	return stream.PublishFrame(payload, metadata)
}

// CompleteResult deposits bytes for a previously deferred
// get_parameter/invoke call on conn, keyed by token (§4.6).
func (p *PluginService) CompleteResult(conn *StreamConnection, token uint64, bytes []byte) {
	conn.completeToken(token, bytes)
}

// Log writes a message at the given severity through the host's logger.
func (p *PluginService) Log(severity Severity, msg string) {
	switch severity {
	case SeverityTrace:
		p.log.Trace(msg)
	case SeverityDebug:
		p.log.Debug(msg)
	case SeverityInfo:
		p.log.Info(msg)
	case SeverityWarn:
		p.log.Warn(msg)
	default:
		p.log.Error(msg)
	}
}

// NotifyEvent crosses a plugin-originated event into the host, which
// fans it out to every loaded plugin, the sending plugin included (§4.6).
func (p *PluginService) NotifyEvent(event HostEvent) {
	p.manager.notifyHostEvent(event)
}
