package model

import (
	"math"
	"time"

	"github.com/shopspring/decimal"
)

const (
	secondsPerHour = 3600
	secondsPerDay  = 86400
)

// RollingCounters tracks usage of one grant within the current UTC hour, day and week.
// Period indexes are compared lazily; stale windows reset on the next read.
type RollingCounters struct {
	DayIndex  int64 `json:"day_index"`
	WeekIndex int64 `json:"week_index"`
	HourIndex int64 `json:"hour_index"`

	VolumeToday        decimal.Decimal `json:"volume_today"`
	VolumeThisWeek     decimal.Decimal `json:"volume_this_week"`
	TradesToday        uint32          `json:"trades_today"`
	TradesThisHour     uint32          `json:"trades_this_hour"`
	LastTradeTimestamp int64           `json:"last_trade_timestamp"`
	DrawdownToday      uint32          `json:"drawdown_today"`
	DrawdownThisWeek   uint32          `json:"drawdown_this_week"`
}

func DayIndex(now time.Time) int64 {
	return now.Unix() / secondsPerDay
}

func HourIndex(now time.Time) int64 {
	return now.Unix() / secondsPerHour
}

// WeekIndex counts weeks starting Monday 00:00 UTC. The epoch fell on a Thursday.
func WeekIndex(now time.Time) int64 {
	return (DayIndex(now) + 3) / 7
}

// Rollover returns the counters as seen at now, with expired windows zeroed.
func (c RollingCounters) Rollover(now time.Time) RollingCounters {
	day, week, hour := DayIndex(now), WeekIndex(now), HourIndex(now)
	if c.DayIndex != day {
		c.DayIndex = day
		c.VolumeToday = decimal.Zero
		c.TradesToday = 0
		c.DrawdownToday = 0
	}
	if c.WeekIndex != week {
		c.WeekIndex = week
		c.VolumeThisWeek = decimal.Zero
		c.DrawdownThisWeek = 0
	}
	if c.HourIndex != hour {
		c.HourIndex = hour
		c.TradesThisHour = 0
	}
	return c
}

// Record returns the counters after one approved counted action.
func (c RollingCounters) Record(notional decimal.Decimal, drawdownBps uint32, now time.Time) RollingCounters {
	c = c.Rollover(now)
	c.VolumeToday = c.VolumeToday.Add(notional)
	c.VolumeThisWeek = c.VolumeThisWeek.Add(notional)
	c.TradesToday++
	c.TradesThisHour++
	c.DrawdownToday = addBps(c.DrawdownToday, drawdownBps)
	c.DrawdownThisWeek = addBps(c.DrawdownThisWeek, drawdownBps)
	c.LastTradeTimestamp = now.Unix()
	return c
}

// addBps saturates at MaxUint32 instead of wrapping.
func addBps(a, b uint32) uint32 {
	if sum := uint64(a) + uint64(b); sum <= math.MaxUint32 {
		return uint32(sum)
	}
	return math.MaxUint32
}

// Equal compares counters by value.
func (c RollingCounters) Equal(o RollingCounters) bool {
	return c.DayIndex == o.DayIndex &&
		c.WeekIndex == o.WeekIndex &&
		c.HourIndex == o.HourIndex &&
		c.VolumeToday.Equal(o.VolumeToday) &&
		c.VolumeThisWeek.Equal(o.VolumeThisWeek) &&
		c.TradesToday == o.TradesToday &&
		c.TradesThisHour == o.TradesThisHour &&
		c.LastTradeTimestamp == o.LastTradeTimestamp &&
		c.DrawdownToday == o.DrawdownToday &&
		c.DrawdownThisWeek == o.DrawdownThisWeek
}
