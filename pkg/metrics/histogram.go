package metrics

import "github.com/prometheus/client_golang/prometheus"

type HistogramVec struct {
	histogram *prometheus.HistogramVec
}

func NewHistogramVec(metricsName, help string, labels []string, opts ...OptsFunc) *HistogramVec {
	opt := &mOpts{
		name: metricsName,
		help: help,
	}
	for _, optsFunc := range opts {
		optsFunc(opt)
	}
	histogramOpt := opt.GetHistogramOpts()
	cc := prometheus.NewHistogramVec(histogramOpt, labels)
	prometheus.MustRegister(cc)

	return &HistogramVec{
		histogram: cc,
	}
}

func (self *HistogramVec) Observe(v float64, labels ...string) {
	self.histogram.WithLabelValues(labels...).Observe(v)
}

func (self *HistogramVec) Delete(labels ...string) {
	self.histogram.DeleteLabelValues(labels...)
}
