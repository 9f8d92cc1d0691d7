package source

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"

	"unpackd/services/ingest/errs"
)

var (
	downloadsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpackd_downloads_total",
		Help: "Downloads by strategy and outcome kind.",
	}, []string{"strategy", "result"})

	downloadBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "unpackd_download_bytes_total",
		Help: "Bytes written by the source resolver.",
	}, []string{"strategy"})
)

func recordDownload(strategy Strategy, size int64, err error) {
	result := "ok"
	if err != nil {
		result = string(errs.KindOf(err))
	}
	downloadsTotal.WithLabelValues(string(strategy), result).Inc()
	if size > 0 {
		downloadBytes.WithLabelValues(string(strategy)).Add(float64(size))
	}
}
