package ws

import (
	"net/http"
	"sync"
)

// Lifecycle holds the process's active upgrade server so a shutdown
// sequence can release it without knowing how it was built.
type Lifecycle struct {
	mu  sync.Mutex
	srv *Server
}

// Start attaches srv to httpSrv and records it as the active server.
func (l *Lifecycle) Start(srv *Server, httpSrv *http.Server) error {
	l.mu.Lock()
	defer l.mu.Unlock()
	if l.srv != nil {
		return ErrAlreadyStarted
	}
	if err := srv.Start(httpSrv); err != nil {
		return err
	}
	l.srv = srv
	return nil
}

// Stop stops the active server, if any, and clears the slot.
func (l *Lifecycle) Stop() {
	l.mu.Lock()
	srv := l.srv
	l.srv = nil
	l.mu.Unlock()
	if srv != nil {
		srv.Stop()
	}
}

// Server returns the active server or nil.
func (l *Lifecycle) Server() *Server {
	l.mu.Lock()
	defer l.mu.Unlock()
	return l.srv
}
