package relay

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

var (
	roomsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "troparcel_relay_rooms",
		Help: "Rooms currently resident in memory.",
	})
	connsGauge = promauto.NewGauge(prometheus.GaugeOpts{
		Name: "troparcel_relay_connections",
		Help: "Open websocket connections.",
	})
	connectsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "troparcel_relay_connects_total",
		Help: "Accepted websocket connections since start.",
	})
	rejectsTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troparcel_relay_rejects_total",
		Help: "Rejected connection attempts by reason.",
	}, []string{"reason"})
	updatesTotal = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troparcel_relay_updates_total",
		Help: "Document updates relayed, per room.",
	}, []string{"room"})
	updateBytes = promauto.NewCounterVec(prometheus.CounterOpts{
		Name: "troparcel_relay_update_bytes_total",
		Help: "Update payload bytes relayed, per room.",
	}, []string{"room"})
	compactionsTotal = promauto.NewCounter(prometheus.CounterOpts{
		Name: "troparcel_relay_compactions_total",
		Help: "Room compactions performed.",
	})
)
