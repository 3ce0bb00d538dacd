package sidecar

import "time"

type HeartbeatResponse struct {
	Time          time.Time `json:"time"`
	Host          string    `json:"host"`
	Version       string    `json:"version"`
	IdleSeconds   float64   `json:"idle_seconds"`
	WindowSeconds float64   `json:"window_seconds"`
}

type SelfResponse struct {
	Address string `json:"address"`
}
