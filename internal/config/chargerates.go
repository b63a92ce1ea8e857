package config

import (
	"log"
	"sort"
	"strings"
	"sync/atomic"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/shopspring/decimal"
	"github.com/skystack/allocd/internal/chargerate"
	"github.com/spf13/viper"
)

// chargeRateEntry is the on-disk shape of one charge-rate table slice.
// Rates are plain floats in the file and converted to decimals on load.
type chargeRateEntry struct {
	EffectiveDate time.Time          `mapstructure:"effective_date"`
	Rates         map[string]float64 `mapstructure:"rates"`
}

// ChargeRateHolder exposes the operator-editable charge-rate schedule and
// hot-reloads it when the config file changes on disk.
type ChargeRateHolder struct {
	current atomic.Value // holds chargerate.Schedule
}

// NewChargeRateHolder loads chargerates.yml (volume-mounted, system, or
// working directory) and falls back to the built-in active-only schedule
// when no file is present.
func NewChargeRateHolder() (*ChargeRateHolder, error) {
	v := viper.New()

	v.SetConfigName("chargerates")
	v.SetConfigType("yml")
	v.AddConfigPath("/var/lib/allocd/config")
	v.AddConfigPath("/etc/allocd")
	v.AddConfigPath(".")

	v.SetEnvPrefix("ALLOCD")
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))
	v.AutomaticEnv()

	holder := &ChargeRateHolder{}

	if err := v.ReadInConfig(); err != nil {
		if _, ok := err.(viper.ConfigFileNotFoundError); !ok {
			return nil, err
		}
		holder.current.Store(chargerate.Default())
		return holder, nil
	}

	schedule, err := decodeSchedule(v)
	if err != nil {
		return nil, err
	}
	holder.current.Store(schedule)

	v.OnConfigChange(func(e fsnotify.Event) {
		reloaded, err := decodeSchedule(v)
		if err != nil {
			log.Printf("chargerates reload failed (%s): %v", e.Name, err)
			return
		}
		holder.current.Store(reloaded)
	})
	v.WatchConfig()

	return holder, nil
}

// Schedule returns the schedule currently in effect.
func (h *ChargeRateHolder) Schedule() chargerate.Schedule {
	return h.current.Load().(chargerate.Schedule)
}

func decodeSchedule(v *viper.Viper) (chargerate.Schedule, error) {
	var entries []chargeRateEntry
	if err := v.UnmarshalKey("chargerates", &entries); err != nil {
		return nil, err
	}
	if len(entries) == 0 {
		return chargerate.Default(), nil
	}

	schedule := make(chargerate.Schedule, 0, len(entries))
	for _, entry := range entries {
		rates := make(map[string]decimal.Decimal, len(entry.Rates))
		for status, rate := range entry.Rates {
			rates[status] = decimal.NewFromFloat(rate)
		}
		schedule = append(schedule, chargerate.Entry{
			EffectiveDate: entry.EffectiveDate.UTC(),
			Rates:         rates,
		})
	}
	sort.SliceStable(schedule, func(i, j int) bool {
		return schedule[i].EffectiveDate.Before(schedule[j].EffectiveDate)
	})
	return schedule, nil
}
