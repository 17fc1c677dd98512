package enforcement

import (
	usagedomain "github.com/smallbiznis/plangate/internal/usage/domain"
	"go.uber.org/fx"
)

var Module = fx.Module("enforcement",
	fx.Provide(
		func(svc usagedomain.Service) UsageReader { return svc },
	),
	fx.Provide(NewGate),
)
