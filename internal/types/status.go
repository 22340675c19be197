package types

import "fmt"

// ValidationStage tracks how far an op has progressed through validation.
type ValidationStage uint8

const (
	StagePending ValidationStage = iota
	StageAwaitingSysDeps
	StageSysValidated
	StageAwaitingAppDeps
	StageAppValidated
)

func (s ValidationStage) String() string {
	switch s {
	case StagePending:
		return "Pending"
	case StageAwaitingSysDeps:
		return "AwaitingSysDeps"
	case StageSysValidated:
		return "SysValidated"
	case StageAwaitingAppDeps:
		return "AwaitingAppDeps"
	case StageAppValidated:
		return "AppValidated"
	default:
		return fmt.Sprintf("ValidationStage(%d)", uint8(s))
	}
}

// ValidationStatus is the terminal verdict. StatusNone means validation has
// not finished.
type ValidationStatus uint8

const (
	StatusNone ValidationStatus = iota
	StatusValid
	StatusRejected
	StatusAbandoned
)

func (s ValidationStatus) String() string {
	switch s {
	case StatusNone:
		return "None"
	case StatusValid:
		return "Valid"
	case StatusRejected:
		return "Rejected"
	case StatusAbandoned:
		return "Abandoned"
	default:
		return fmt.Sprintf("ValidationStatus(%d)", uint8(s))
	}
}
