package overlay

import (
	"log/slog"
	"sync"

	"screenguard/internal/logging"
)

// LogProvider is a headless backend for servers and CI. It draws nothing and
// logs each cover it would have shown.
type LogProvider struct {
	mu     sync.Mutex
	opened int
	open   int
	logger *slog.Logger
}

// NewLogProvider creates a headless provider.
func NewLogProvider(logger *slog.Logger) *LogProvider {
	if logger == nil {
		logger = logging.Component("overlay")
	}
	return &LogProvider{logger: logger}
}

// Open records a cover.
func (p *LogProvider) Open(style Style, lost func()) (Surface, error) {
	p.mu.Lock()
	p.opened++
	p.open++
	p.mu.Unlock()

	p.logger.Info("privacy cover up", "message", style.Message)
	return &logSurface{provider: p}, nil
}

// Stats returns how many covers were opened in total and how many are open now.
func (p *LogProvider) Stats() (opened, open int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	return p.opened, p.open
}

type logSurface struct {
	once     sync.Once
	provider *LogProvider
}

func (s *logSurface) Close() error {
	s.once.Do(func() {
		s.provider.mu.Lock()
		s.provider.open--
		s.provider.mu.Unlock()
		s.provider.logger.Info("privacy cover down")
	})
	return nil
}
