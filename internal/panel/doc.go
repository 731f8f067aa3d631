// Package panel serves the device dashboard as embedded assets.
//
// The dashboard is a single page: an html/template rendered with the device
// host and gateway version, plus a small script that polls
// /device/metrics/tempvar every 3 seconds and /device/led/state every 6
// seconds, drives a half-circle gauge (0..50 °C mapped to 0..100 %) and sends
// On/Off commands to /device/led/action.
//
// Assets are embedded with go:embed so the binary has no runtime file
// dependency. Cache-control headers are set to no-cache.
package panel
