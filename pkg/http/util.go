package http

import (
	"strings"
	"time"

	"github.com/labstack/echo/v4"

	xutil "FinBacktest/pkg/util"
)

// SymbolParam returns the upper-cased :symbol path parameter.
func SymbolParam(c echo.Context) string {
	return strings.ToUpper(strings.TrimSpace(c.Param("symbol")))
}

// QueryDayRange reads ?start= and ?end= as calendar days. ok is false unless both parse and start <= end.
func QueryDayRange(c echo.Context) (start, end time.Time, ok bool) {
	s, okS := xutil.ParseTime(c.QueryParam("start"))
	e, okE := xutil.ParseTime(c.QueryParam("end"))
	if !okS || !okE {
		return time.Time{}, time.Time{}, false
	}
	start, end = xutil.Day(s), xutil.Day(e)
	if end.Before(start) {
		return time.Time{}, time.Time{}, false
	}
	return start, end, true
}
