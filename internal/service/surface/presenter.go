package surface

import "go.uber.org/zap"

// LogPresenter records surface transitions for a headless host.
type LogPresenter struct {
	logger *zap.Logger
}

func NewLogPresenter(logger *zap.Logger) *LogPresenter {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &LogPresenter{logger: logger.Named("presenter")}
}

func (p *LogPresenter) Present(l Launch) {
	p.logger.Info("surface mounted hidden", zap.String("sessionId", l.SessionID), zap.String("url", l.URL))
}

func (p *LogPresenter) Reveal(l Launch) {
	p.logger.Info("surface revealed", zap.String("sessionId", l.SessionID))
}

func (p *LogPresenter) Dismiss() {
	p.logger.Info("surface dismissed")
}
