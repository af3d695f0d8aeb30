package scheduler

import (
	"context"
	"fmt"
	"strconv"
	"strings"

	"github.com/Uninett/zino/internal/device"
	"github.com/Uninett/zino/internal/eventstore"
	"github.com/Uninett/zino/internal/pollfile"
	"github.com/Uninett/zino/internal/snmp"
)

// JuniperAlarm probes sysObjectID to gate on Juniper devices, then reads
// the red/yellow alarm counters and opens and updates alarm events on
// transitions (spec §4.2 "JuniperAlarmTask").
type JuniperAlarm struct {
	*Deps
}

func (t *JuniperAlarm) Kind() TaskKind { return TaskJuniperAlarm }

func (t *JuniperAlarm) Run(ctx context.Context, dev *pollfile.Device, reachable bool) error {
	if !reachable {
		return nil
	}

	vbs, err := t.Client.Get([]string{oidSysObjectID})
	if err != nil {
		return fmt.Errorf("alarm probe sysObjectID: %w", err)
	}
	isJuniper := len(vbs) > 0 && strings.Contains(fmt.Sprint(vbs[0].Value), juniperSysObjectIDPrefix)
	t.State.IsJuniper = isJuniper
	if !isJuniper {
		return nil
	}

	redVbs, err := t.Client.Get([]string{oidJnxRedAlarmCount})
	if err != nil {
		return fmt.Errorf("alarm get red count: %w", err)
	}
	yellowVbs, err := t.Client.Get([]string{oidJnxYellowAlarmCount})
	if err != nil {
		return fmt.Errorf("alarm get yellow count: %w", err)
	}

	red := intValue(redVbs)
	yellow := intValue(yellowVbs)

	prev := t.State.GetAlarms()
	cur := device.Alarms{Red: red, Yellow: yellow}
	t.State.SetAlarms(cur)

	if prev.Red == cur.Red && prev.Yellow == cur.Yellow {
		return nil
	}

	t.handleChange(dev, prev, cur)
	return nil
}

func intValue(vbs []snmp.Varbind) int {
	if len(vbs) == 0 {
		return 0
	}
	switch v := vbs[0].Value.(type) {
	case int:
		return v
	case int64:
		return int(v)
	case uint:
		return int(v)
	case uint64:
		return int(v)
	default:
		n, _ := strconv.Atoi(fmt.Sprint(v))
		return n
	}
}

func (t *JuniperAlarm) handleChange(dev *pollfile.Device, prev, cur device.Alarms) {
	if prev.Red != cur.Red {
		t.handleColorChange(dev, "red", prev.Red, cur.Red)
	}
	if prev.Yellow != cur.Yellow {
		t.handleColorChange(dev, "yellow", prev.Yellow, cur.Yellow)
	}
}

// handleColorChange updates or opens the alarm event for one color. A
// count dropping to zero records the transition on the still-open event
// without closing it (spec §4.2: "N->0 while event is open sets lastevent
// ... but does not close").
func (t *JuniperAlarm) handleColorChange(dev *pollfile.Device, color string, prevCount, count int) {
	key := eventstore.Key{Router: t.DeviceName, Subindex: color, Type: eventstore.TypeAlarm}

	if count == 0 {
		if ev, found := t.Events.GetByKey(key); found {
			ev.LastEvent = fmt.Sprintf("alarms went from %d to 0", prevCount)
			_ = t.Events.Commit(ev)
		}
		return
	}

	ev, created := t.Events.GetOrCreate(key)
	priorState := ev.State
	ev.PollAddr = dev.Address
	ev.Priority = dev.Priority
	ev.Alarm.AlarmType = color
	ev.Alarm.AlarmCount = count
	ev.LastEvent = fmt.Sprintf("%d %s alarm(s) active", count, color)

	if err := t.Events.Commit(ev); err != nil {
		if t.Logger != nil {
			t.Logger.Warn("commit alarm event failed", "device", t.DeviceName, "error", err)
		}
		return
	}

	if !created && priorState == eventstore.StateOpen {
		_ = t.Events.Transition(ev.ID, eventstore.StateWorking, "alarm count changed")
	}
}
