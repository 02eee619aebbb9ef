package clock

import "go.uber.org/fx"

// Module provides the production SystemClock as the Clock the entitlement
// service and meter actor run against; tests construct a FakeClock
// directly instead of going through fx.
var Module = fx.Module("clock",
	fx.Provide(func() Clock { return SystemClock{} }),
)
