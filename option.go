package monpay

import (
	"time"

	"github.com/vitwit/monpay/logger"
	"github.com/vitwit/monpay/metrics"
)

type Option func(*Facilitator)

func WithLogger(l logger.Logger) Option {
	return func(f *Facilitator) {
		f.log = l
	}
}

func WithMetrics(r metrics.Recorder) Option {
	return func(f *Facilitator) {
		f.metrics = r
	}
}

func WithTimeout(t time.Duration) Option {
	return func(f *Facilitator) {
		f.confirmTimeout = t
	}
}
