package journey

import (
	"time"

	"github.com/rickar/cal/v2"
	"github.com/rickar/cal/v2/be"
)

// belgianHolidays holds the public holidays observed by the Belgian railways
var belgianHolidays = makeBelgianHolidayCalendar()

func makeBelgianHolidayCalendar() *cal.BusinessCalendar {
	calendar := cal.NewBusinessCalendar()
	calendar.AddHoliday(be.Holidays...)
	return calendar
}

// isHoliday returns true if at falls on a Belgian public holiday
func isHoliday(at time.Time) bool {
	_, observed, _ := belgianHolidays.IsHoliday(at)
	return observed
}
