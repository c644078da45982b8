package redisclient

import "fmt"

const (
	// checkout idempotency: idempotency:checkout:{buyer_id}:{key} -> order_id
	keyCheckoutIdempotency = "idempotency:checkout:%d:%s"

	// per-buyer checkout lock: lock:checkout:{buyer_id}
	keyCheckoutLock = "lock:checkout:%d"

	// gateway notification replay guard: dedup:notification:{notification_id}
	keyNotificationDedup = "dedup:notification:%s"
)

func CheckoutIdempotencyKey(buyerID int64, key string) string {
	return fmt.Sprintf(keyCheckoutIdempotency, buyerID, key)
}

func CheckoutLockKey(buyerID int64) string {
	return fmt.Sprintf(keyCheckoutLock, buyerID)
}

func NotificationDedupKey(notificationID string) string {
	return fmt.Sprintf(keyNotificationDedup, notificationID)
}
