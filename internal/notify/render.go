package notify

import (
	"fmt"

	"github.com/hyperengineering/nexlevel/internal/types"
)

// Render returns the push title and body of a notification. Display names
// are taken from the payload when present.
func Render(n types.Notification) (title, body string) {
	actor := payloadString(n, "actor_name", "Your partner")
	challenge := payloadString(n, "challenge_name", "your challenge")

	switch n.Type {
	case types.NotificationPartnerComplete:
		return "Partner checked in", fmt.Sprintf("%s completed today's %s.", actor, challenge)
	case types.NotificationStreakMilestone:
		return "Streak milestone", fmt.Sprintf("You reached a %v-day streak in %s!", n.Payload["threshold"], challenge)
	case types.NotificationChallengeInvitation:
		return "Challenge invitation", fmt.Sprintf("%s invited you to join %s.", actor, challenge)
	case types.NotificationChallengeExit:
		return "Partner left", fmt.Sprintf("%s left %s.", actor, challenge)
	case types.NotificationChallengeCompleted:
		return "Challenge completed", fmt.Sprintf("%s has ended. See how you did!", challenge)
	}
	return "NexLevel", "You have a new notification."
}

// PushData returns the data map attached to a push message.
func PushData(n types.Notification) map[string]string {
	data := map[string]string{
		"notification_id": n.ID,
		"type":            string(n.Type),
	}
	if n.InstanceID != "" {
		data["instance_id"] = n.InstanceID
	}
	if n.ChallengeID != "" {
		data["challenge_id"] = n.ChallengeID
	}
	return data
}

func payloadString(n types.Notification, key, fallback string) string {
	if s, ok := n.Payload[key].(string); ok && s != "" {
		return s
	}
	return fallback
}
