package onebot

import (
	"time"

	"github.com/google/uuid"
)

// ConnectEvent is sent once to every new subscriber.
func ConnectEvent(v Version) Event {
	return Event{
		ID:         uuid.NewString(),
		Time:       Now(),
		Type:       EventMeta,
		DetailType: DetailConnect,
		Version:    &v,
	}
}

// StatusUpdateEvent announces the online state of every connected bot.
func StatusUpdateEvent(st Status) Event {
	if st.Bots == nil {
		st.Bots = []BotStatus{}
	}
	return Event{
		ID:         uuid.NewString(),
		Time:       Now(),
		Type:       EventMeta,
		DetailType: DetailStatusUpdate,
		Status:     &st,
	}
}

func HeartbeatEvent(interval time.Duration) Event {
	return Event{
		ID:         uuid.NewString(),
		Time:       Now(),
		Type:       EventMeta,
		DetailType: DetailHeartbeat,
		Interval:   interval.Milliseconds(),
	}
}
