package billing

import (
	"github.com/tidwall/gjson"
)

// payloadFields is the subset of a provider object that may be stored with
// the event. Contact details, card data and metadata are never kept.
var payloadFields = []string{
	"id",
	"object",
	"amount",
	"amount_due",
	"amount_paid",
	"amount_refunded",
	"currency",
	"status",
	"paid",
	"refunded",
	"captured",
	"customer",
	"invoice",
	"subscription",
	"payment_intent",
	"billing_reason",
	"failure_code",
	"created",
	"livemode",
}

// Minimize reduces a provider object to the allow-listed fields stored with
// the event.
func Minimize(eventType string, object []byte) map[string]interface{} {
	kept := make(map[string]interface{}, len(payloadFields))
	if gjson.ValidBytes(object) {
		results := gjson.GetManyBytes(object, payloadFields...)
		for i, field := range payloadFields {
			r := results[i]
			if !r.Exists() || r.Type == gjson.Null {
				continue
			}
			if r.IsObject() || r.IsArray() {
				// Expanded references collapse to their id.
				if id := r.Get("id"); id.Exists() {
					kept[field] = id.String()
				}
				continue
			}
			kept[field] = r.Value()
		}
	}
	return map[string]interface{}{
		"event_type": eventType,
		"object":     kept,
	}
}
