package drivermgr

import "time"

// Dependencies are the external collaborators a Runner talks to.
type Dependencies struct {
	Index  DriverIndex
	Realm  Realm
	Dial   HostDialer
	Logger Logger
	Clock  Clock
}

type Logger interface {
	Debug(msg string, kv ...any)
	Info(msg string, kv ...any)
	Warn(msg string, kv ...any)
	Error(msg string, kv ...any)
}

type Clock interface {
	Now() time.Time
}
