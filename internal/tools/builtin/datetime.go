package builtin

import (
	"context"
	"time"

	"github.com/ashureev/pte-agent/internal/tools"
)

// KST is Korea Standard Time. It does not depend on a tz database being installed.
var KST = time.FixedZone("KST", 9*60*60)

func newDatetime(deps Deps) (tools.Tool, error) {
	return tools.New(tools.MustBuiltin("get_current_datetime"), func(context.Context, tools.Input) (string, error) {
		return FormatKST(deps.Now()), nil
	}), nil
}

// FormatKST renders t in KST, e.g. "2026년 10월 17일 18시 30분 00초 (KST)".
func FormatKST(t time.Time) string {
	return t.In(KST).Format("2006년 01월 02일 15시 04분 05초 (KST)")
}
