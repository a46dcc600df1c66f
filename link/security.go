package link

// SecurityEventCallback is called whenever a Link receives a frame it
// cannot decode: a header whose length field is out of range
// ("bad_frame_length", after which the link shuts down) or a frame whose
// header fails to parse ("bad_frame", which is dropped). A transaction
// failed because nothing claimed an incoming packet does not trigger it.
// event is a short machine-readable label; details carries the underlying
// error.
type SecurityEventCallback func(event string, details map[string]any)

// SetSecurityEventCallback installs cb, replacing any previously
// installed callback. Pass nil to stop receiving events.
func (l *Link) SetSecurityEventCallback(cb SecurityEventCallback) {
	l.mu.Lock()
	l.securityCB = cb
	l.mu.Unlock()
}

func (l *Link) emitSecurityEvent(event string, details map[string]any) {
	l.mu.Lock()
	cb := l.securityCB
	l.mu.Unlock()
	if cb != nil {
		cb(event, details)
	}
}
