// Package model holds the value types shared by the alert pipeline: rules and
// their condition trees, monitored-entity events, pending alerts, batches and
// per-channel delivery records.
package model
