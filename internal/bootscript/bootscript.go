// Package bootscript is the server's HTTP boundary: it hands out
// iPXE boot scripts that point a diskless client at the UDP chunk
// protocol and carry its configuration digest on the kernel command
// line so the booted system can verify its own image.
package bootscript

import (
	"fmt"
	"log/slog"
	"net"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/pixieboot/pixieboot/internal/bootconfig"
	"github.com/pixieboot/pixieboot/pkg/digest"
)

// Registration pairs a loaded configuration with its configuration
// digest (over all file contents), everything the script template
// needs.
type Registration struct {
	Config              bootconfig.Config
	ConfigurationDigest digest.Digest
}

// Server serves one iPXE script per registered subnet, chosen by the
// requesting client's address.
type Server struct {
	regs []Registration
	log  *slog.Logger
}

// New builds a Server over the given registrations.
func New(regs []Registration, log *slog.Logger) *Server {
	return &Server{regs: regs, log: log}
}

// Router builds the chi router serving the boot script endpoint.
func (s *Server) Router() http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.RealIP)

	r.Get("/health", s.handleHealth)
	r.Get("/boot.ipxe", s.handleBootScript)
	return r
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("ok"))
}

// handleBootScript resolves the requesting client's address to a
// registered configuration by subnet membership and renders its
// iPXE script.
func (s *Server) handleBootScript(w http.ResponseWriter, r *http.Request) {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		host = r.RemoteAddr
	}
	ip := net.ParseIP(host)
	if ip == nil {
		http.Error(w, "unrecognized client address", http.StatusBadRequest)
		return
	}

	reg, ok := s.lookup(ip)
	if !ok {
		s.log.Warn("bootscript: no configuration for client", "addr", ip)
		http.Error(w, "no configuration for this subnet", http.StatusNotFound)
		return
	}

	w.Header().Set("Content-Type", "text/plain; charset=utf-8")
	fmt.Fprint(w, Render(reg))
}

func (s *Server) lookup(ip net.IP) (Registration, bool) {
	for _, reg := range s.regs {
		if reg.Config.Subnet.Contains(ip) {
			return reg, true
		}
	}
	return Registration{}, false
}

// Render produces the iPXE script text for one registration. The
// configuration digest is carried on the kernel command line as
// pixie_sha224=<hex> so the booted system can verify its image
// end-to-end.
func Render(reg Registration) string {
	c := reg.Config
	return fmt.Sprintf(
		"#!ipxe\nkernel kernel initrd=initrd ip=%s root_size=%d swap_size=%d pixie_sha224=%s %s\ninitrd initrd\nboot\n",
		c.IPMethod,
		int64(c.RootSizeMB),
		int64(c.SwapSizeMB),
		reg.ConfigurationDigest,
		c.ExtraArgs,
	)
}
