package device

import (
	"github.com/sirupsen/logrus"
)

// Wrap returns a Set whose instruments log every command at trace level and
// report failures as *CommandError.
func Wrap(s Set) Set {
	out := Set{}
	if s.Stage != nil {
		out.Stage = &loggedStage{s.Stage}
	}
	if s.Focus != nil {
		out.Focus = &loggedFocus{s.Focus}
	}
	if s.DIO != nil {
		out.DIO = &loggedDIO{s.DIO}
	}
	if s.Camera != nil {
		out.Camera = &loggedCamera{s.Camera}
	}
	if s.Trigger != nil {
		out.Trigger = &loggedTrigger{s.Trigger}
	}
	return out
}

func trace(dev, cmd string, fields logrus.Fields) {
	logrus.WithFields(fields).WithFields(logrus.Fields{
		"device":  dev,
		"command": cmd,
	}).Trace("device command")
}

type loggedStage struct{ s Stage }

func (l *loggedStage) MoveStage(x, y float64) error {
	trace("stage", "MoveStage", logrus.Fields{"x": x, "y": y})
	return commandError("stage", "MoveStage", l.s.MoveStage(x, y))
}

func (l *loggedStage) StageIsIdle() (bool, error) {
	idle, err := l.s.StageIsIdle()
	if err != nil {
		return false, commandError("stage", "StageIsIdle", err)
	}
	trace("stage", "StageIsIdle", logrus.Fields{"idle": idle})
	return idle, nil
}

type loggedFocus struct{ f Focus }

func (l *loggedFocus) SetFocus(z float64, direct bool) error {
	trace("focus", "SetFocus", logrus.Fields{"z": z, "direct": direct})
	return commandError("focus", "SetFocus", l.f.SetFocus(z, direct))
}

func (l *loggedFocus) GetFocus() (float64, error) {
	z, err := l.f.GetFocus()
	if err != nil {
		return 0, commandError("focus", "GetFocus", err)
	}
	trace("focus", "GetFocus", logrus.Fields{"z": z})
	return z, nil
}

func (l *loggedFocus) StartAutofocus(stopWhenStable bool) error {
	trace("focus", "StartAutofocus", logrus.Fields{"stopWhenStable": stopWhenStable})
	return commandError("focus", "StartAutofocus", l.f.StartAutofocus(stopWhenStable))
}

func (l *loggedFocus) StopAutofocus() error {
	trace("focus", "StopAutofocus", nil)
	return commandError("focus", "StopAutofocus", l.f.StopAutofocus())
}

func (l *loggedFocus) AutofocusInProgress() (bool, error) {
	busy, err := l.f.AutofocusInProgress()
	if err != nil {
		return false, commandError("focus", "AutofocusInProgress", err)
	}
	return busy, nil
}

func (l *loggedFocus) AutofocusCalibrated() (bool, bool) {
	return l.f.AutofocusCalibrated()
}

type loggedDIO struct{ d DigitalIO }

func (l *loggedDIO) ReadDigital(line string) (bool, error) {
	v, err := l.d.ReadDigital(line)
	if err != nil {
		return false, commandError("dio", "ReadDigital", err)
	}
	return v, nil
}

func (l *loggedDIO) WriteDigital(line string, v bool) error {
	trace("dio", "WriteDigital", logrus.Fields{"line": line, "val": v})
	return commandError("dio", "WriteDigital", l.d.WriteDigital(line, v))
}

type loggedCamera struct{ c Camera }

func (l *loggedCamera) BeginFrameSequence(count int, exposure float64) error {
	trace("camera", "BeginFrameSequence", logrus.Fields{"count": count, "exposure": exposure})
	return commandError("camera", "BeginFrameSequence", l.c.BeginFrameSequence(count, exposure))
}

func (l *loggedCamera) FetchFrames() ([]Frame, error) {
	frames, err := l.c.FetchFrames()
	if err != nil {
		return nil, commandError("camera", "FetchFrames", err)
	}
	trace("camera", "FetchFrames", logrus.Fields{"frames": len(frames)})
	return frames, nil
}

func (l *loggedCamera) StopFrameSequence() error {
	trace("camera", "StopFrameSequence", nil)
	return commandError("camera", "StopFrameSequence", l.c.StopFrameSequence())
}

func (l *loggedCamera) Exposure() (float64, error) {
	e, err := l.c.Exposure()
	if err != nil {
		return 0, commandError("camera", "Exposure", err)
	}
	return e, nil
}

func (l *loggedCamera) SetExposure(exposure float64) error {
	trace("camera", "SetExposure", logrus.Fields{"exposure": exposure})
	return commandError("camera", "SetExposure", l.c.SetExposure(exposure))
}

type loggedTrigger struct{ t TriggerSource }

func (l *loggedTrigger) StartTaskSession(plan SessionPlan) error {
	trace("trigger", "StartTaskSession", logrus.Fields{
		"planes":   plan.Planes,
		"channels": len(plan.Channels),
		"exposure": plan.Exposure,
	})
	return commandError("trigger", "StartTaskSession", l.t.StartTaskSession(plan))
}

func (l *loggedTrigger) EndTaskSession() error {
	trace("trigger", "EndTaskSession", nil)
	return commandError("trigger", "EndTaskSession", l.t.EndTaskSession())
}

func (l *loggedTrigger) RestartDefaultSession() error {
	trace("trigger", "RestartDefaultSession", nil)
	return commandError("trigger", "RestartDefaultSession", l.t.RestartDefaultSession())
}
