package zaptec

// OperationMode is the vendor's charger state. Transitions are server-driven
// and observed via polling; the bridge only predicts them optimistically
// after an accepted command.
type OperationMode string

const (
	ModeUnknown             OperationMode = "Unknown"
	ModeDisconnected        OperationMode = "Disconnected"
	ModeConnectedRequesting OperationMode = "Connected_Requesting"
	ModeConnectedCharging   OperationMode = "Connected_Charging"
	ModeConnectedFinished   OperationMode = "Connected_Finished"
)

// Command is a named charger action. The catalog maps these to the vendor's
// numeric command ids; authorize_charge uses a dedicated endpoint instead.
type Command string

const (
	CommandRestartCharger     Command = "restart_charger"
	CommandUpgradeFirmware    Command = "upgrade_firmware"
	CommandStopChargingFinal  Command = "stop_charging_final"
	CommandResumeCharging     Command = "resume_charging"
	CommandDeauthorizeAndStop Command = "deauthorize_and_stop"
	CommandAuthorizeCharge    Command = "authorize_charge"
)

// Transition is the gate decision for one (mode, command) pair.
type Transition struct {
	Allowed bool
	// Reason is set when the command is not allowed.
	Reason string
	// PendingMode is the optimistic mode applied once the command is
	// accepted by the cloud. Empty means the mode is left alone.
	PendingMode OperationMode
	// Followup names a second command the vendor requires to complete the
	// transition. Resume from a paused charger only requests charging; the
	// actual charge start additionally needs authorize_charge when the
	// installation uses native authentication.
	Followup Command
}

type transitionKey struct {
	mode    OperationMode
	command Command
}

// Pause/resume are only legal in certain modes, see the vendor notes on
// commands 506 and 507. Commands without an entry are always allowed.
var gatedTransitions = map[transitionKey]Transition{
	{ModeConnectedCharging, CommandStopChargingFinal}: {
		Allowed:     true,
		PendingMode: ModeConnectedFinished,
	},
	{ModeConnectedRequesting, CommandStopChargingFinal}: {
		Allowed:     true,
		PendingMode: ModeConnectedFinished,
	},
	{ModeConnectedFinished, CommandStopChargingFinal}: {
		Reason: "charging is already paused",
	},
	{ModeDisconnected, CommandStopChargingFinal}: {
		Reason: "charger is disconnected",
	},
	{ModeConnectedFinished, CommandResumeCharging}: {
		Allowed:     true,
		PendingMode: ModeConnectedRequesting,
		Followup:    CommandAuthorizeCharge,
	},
	{ModeConnectedCharging, CommandResumeCharging}: {
		Reason: "charging is not paused",
	},
	{ModeConnectedRequesting, CommandResumeCharging}: {
		Reason: "charging is not paused",
	},
	{ModeDisconnected, CommandResumeCharging}: {
		Reason: "charger is disconnected",
	},
	{ModeUnknown, CommandResumeCharging}: {
		Reason: "charger state is unknown",
	},
}

// Gate returns the transition decision for issuing command in mode.
func Gate(mode OperationMode, command Command) Transition {
	if t, ok := gatedTransitions[transitionKey{mode, command}]; ok {
		return t
	}
	return Transition{Allowed: true}
}
