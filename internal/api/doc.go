// Package api exposes the relay's REST surface: proxy endpoints consumed by
// the review UI, the webhook callbacks issued by the crew platform, health and
// metrics.
package api
