package persona

type Activity string

const (
	ActivitySleeping     Activity = "sleeping"
	ActivityGettingReady Activity = "getting_ready"
	ActivityCommute      Activity = "commute"
	ActivityClasses      Activity = "classes"
	ActivityStudying     Activity = "studying"
	ActivityEating       Activity = "eating"
	ActivityFreeTime     Activity = "free_time"
	ActivityLeisure      Activity = "leisure"
	ActivityWindingDown  Activity = "winding_down"
)

type slot struct {
	activity     Activity
	availability float64
}

// weekday and weekend map each local hour to an activity and how reachable
// she is during it.
var weekday = [24]slot{
	0: {ActivitySleeping, 0.05}, 1: {ActivitySleeping, 0.05}, 2: {ActivitySleeping, 0.05},
	3: {ActivitySleeping, 0.05}, 4: {ActivitySleeping, 0.05}, 5: {ActivitySleeping, 0.05},
	6: {ActivitySleeping, 0.1},
	7: {ActivityGettingReady, 0.4},
	8: {ActivityCommute, 0.5},
	9: {ActivityClasses, 0.15}, 10: {ActivityClasses, 0.15}, 11: {ActivityClasses, 0.15}, 12: {ActivityClasses, 0.15},
	13: {ActivityEating, 0.7},
	14: {ActivityClasses, 0.15}, 15: {ActivityClasses, 0.15},
	16: {ActivityCommute, 0.5},
	17: {ActivityFreeTime, 0.9}, 18: {ActivityFreeTime, 0.9},
	19: {ActivityStudying, 0.5},
	20: {ActivityEating, 0.7},
	21: {ActivityLeisure, 0.85}, 22: {ActivityLeisure, 0.85},
	23: {ActivityWindingDown, 0.6},
}

var weekend = [24]slot{
	0: {ActivityLeisure, 0.8}, 1: {ActivityLeisure, 0.7},
	2: {ActivitySleeping, 0.05}, 3: {ActivitySleeping, 0.05}, 4: {ActivitySleeping, 0.05},
	5: {ActivitySleeping, 0.05}, 6: {ActivitySleeping, 0.05}, 7: {ActivitySleeping, 0.05}, 8: {ActivitySleeping, 0.1},
	9: {ActivityGettingReady, 0.5},
	10: {ActivityEating, 0.7},
	11: {ActivityFreeTime, 0.9}, 12: {ActivityFreeTime, 0.9}, 13: {ActivityFreeTime, 0.9},
	14: {ActivityLeisure, 0.85}, 15: {ActivityLeisure, 0.85}, 16: {ActivityLeisure, 0.85},
	17: {ActivityStudying, 0.5}, 18: {ActivityStudying, 0.5},
	19: {ActivityEating, 0.7},
	20: {ActivityFreeTime, 0.9}, 21: {ActivityFreeTime, 0.9}, 22: {ActivityFreeTime, 0.9},
	23: {ActivityWindingDown, 0.6},
}

// gating is the per-activity adjustment to response chance and pacing.
type gating struct {
	chance          float64
	delay           float64
	mentionOverride bool // the chance factor is skipped for mentions
	busy            string
}

func gatingFor(a Activity) gating {
	switch a {
	case ActivitySleeping:
		return gating{chance: 0.2, delay: 3.0, mentionOverride: true, busy: "was asleep, just saw this"}
	case ActivityClasses:
		return gating{chance: 0.2, delay: 3.0, mentionOverride: true, busy: "in class right now, will reply later"}
	case ActivityGettingReady:
		return gating{chance: 0.6, delay: 2.0, busy: "getting ready, give me a bit"}
	case ActivityCommute:
		return gating{chance: 0.6, delay: 2.0, busy: "on the way, will text soon"}
	case ActivityFreeTime, ActivityLeisure:
		return gating{chance: 1.2, delay: 0.8, busy: "just stepped away for a sec"}
	case ActivityStudying:
		return gating{chance: 1.0, delay: 1.0, busy: "studying, back in a bit"}
	case ActivityEating:
		return gating{chance: 1.0, delay: 1.0, busy: "eating, brb"}
	default:
		return gating{chance: 1.0, delay: 1.0, busy: "a little busy right now"}
	}
}
