// Package hub is the device-facing surface: the browser extension registers
// its lease here and reports command outcomes back. Every response uses the
// {success, error?} envelope the extension expects.
package hub

import "github.com/gorilla/mux"

type Server struct {
	Mux *mux.Router
}

func New() *Server {
	return &Server{Mux: mux.NewRouter()}
}
