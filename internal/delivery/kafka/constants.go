package kafka

import "time"

const (
	// TopicRedeemed carries one record per first-time redemption, keyed by
	// user coupon id.
	TopicRedeemed = "coupon.redeemed"

	PublishTimeout = 5 * time.Second

	HeaderEventID       = "x-event-id"
	HeaderSchemaVersion = "x-schema-version"
)
