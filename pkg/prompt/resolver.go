package prompt

import (
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"time"

	gocache "github.com/patrickmn/go-cache"
)

// FallbackText is used when no prompt file can be loaded. Calls must
// never fail because a prompt is missing.
const FallbackText = "You are a helpful AI nurse assisting a patient."

// DefaultAgent is the prompt used when a call does not name one.
const DefaultAgent = "annie_RPM"

type ResolverConfig struct {
	Dir          string
	DefaultAgent string
	CacheTTL     time.Duration
	Logger       *slog.Logger
}

// Resolver loads named agent prompts from a directory. Reads are
// cached so back-to-back calls do not hit the filesystem.
type Resolver struct {
	dir          string
	defaultAgent string
	cache        *gocache.Cache
	log          *slog.Logger
}

func NewResolver(cfg ResolverConfig) *Resolver {
	dir := cfg.Dir
	if strings.TrimSpace(dir) == "" {
		dir = "prompts"
	}
	agent := cfg.DefaultAgent
	if strings.TrimSpace(agent) == "" {
		agent = DefaultAgent
	}
	ttl := cfg.CacheTTL
	if ttl <= 0 {
		ttl = 30 * time.Second
	}
	log := cfg.Logger
	if log == nil {
		log = slog.Default()
	}
	return &Resolver{
		dir:          dir,
		defaultAgent: agent,
		cache:        gocache.New(ttl, 2*ttl),
		log:          log,
	}
}

// Resolve returns the prompt text for the named agent. An unknown or
// unreadable prompt degrades to the default agent's template; only when
// that is unreadable too does the inline FallbackText go out.
func (r *Resolver) Resolve(agent string) string {
	name := SanitizeAgent(agent)
	def := SanitizeAgent(r.defaultAgent)
	if name == "" {
		name = def
	}
	if text, ok := r.load(name); ok {
		return text
	}
	if def != "" && def != name {
		if text, ok := r.load(def); ok {
			return text
		}
	}
	return FallbackText
}

func (r *Resolver) load(name string) (string, bool) {
	if name == "" {
		return "", false
	}
	if cached, ok := r.cache.Get(name); ok {
		return cached.(string), true
	}
	path := filepath.Join(r.dir, name+".txt")
	b, err := os.ReadFile(path)
	if err != nil {
		r.log.Warn("prompt_load_failed", "agent", name, "path", path, "error", err)
		return "", false
	}
	text := strings.TrimSpace(string(b))
	if text == "" {
		r.log.Warn("prompt_empty", "agent", name, "path", path)
		return "", false
	}
	r.cache.SetDefault(name, text)
	return text, true
}

// SanitizeAgent strips everything but letters, digits, hyphen and
// underscore. Agent names come straight from query strings, so this is
// the only thing standing between a URL and a file read.
func SanitizeAgent(agent string) string {
	var b strings.Builder
	for _, r := range agent {
		switch {
		case r >= 'a' && r <= 'z', r >= 'A' && r <= 'Z', r >= '0' && r <= '9':
			b.WriteRune(r)
		case r == '-' || r == '_':
			b.WriteRune(r)
		}
	}
	return b.String()
}
