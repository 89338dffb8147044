package spy

import "fmt"

type commandKey struct {
	dir Direction
	typ MessageType
	cmd uint16
}

// commandDescriptions maps (direction, message type, command) to a human
// readable name. Anything absent is reported as missing.
var commandDescriptions = map[commandKey]string{}

func register(dir Direction, base uint16, names []string, types ...MessageType) {
	for _, t := range types {
		for i, name := range names {
			commandDescriptions[commandKey{dir: dir, typ: t, cmd: base + uint16(i)}] = name
		}
	}
}

// Describe returns the description of cmd for a frame of type t seen
// travelling in direction dir.
func Describe(dir Direction, t MessageType, cmd uint16) (string, bool) {
	s, ok := commandDescriptions[commandKey{dir: dir, typ: t, cmd: cmd}]
	return s, ok
}

// DescribeOrMissing is Describe with an explicit marker for unmapped commands.
func DescribeOrMissing(dir Direction, t MessageType, cmd uint16) string {
	if s, ok := Describe(dir, t, cmd); ok {
		return s
	}
	return fmt.Sprintf("missing command description: %d", cmd)
}

// hasCommandTable reports whether any description exists for t in dir.
func hasCommandTable(dir Direction, t MessageType) bool {
	return commandTables[commandTable{dir: dir, typ: t}]
}

type commandTable struct {
	dir Direction
	typ MessageType
}

var commandTables = map[commandTable]bool{}

func init() {
	register(AuxToMain, 0x0000, hidRequests, MsgTypeUSB, MsgTypeBLE)
	register(AuxToMain, 0x0100, mmmRequests, MsgTypeUSB, MsgTypeBLE)
	register(AuxToMain, 0x8000, debugRequests, MsgTypeUSB, MsgTypeBLE)
	register(AuxToMain, 0x0000, auxEvents, MsgTypeAuxMCUEvent)
	register(AuxToMain, 0x0000, bleCommands, MsgTypeBLECmd)

	register(MainToAux, 0x0000, hidAnswers, MsgTypeUSB, MsgTypeBLE)
	register(MainToAux, 0x0100, mmmAnswers, MsgTypeUSB, MsgTypeBLE)
	register(MainToAux, 0x8000, debugAnswers, MsgTypeUSB, MsgTypeBLE)
	register(MainToAux, 0x0000, mainCommands, MsgTypeMainMCUCmd)
	register(MainToAux, 0x0000, bleCommands, MsgTypeBLECmd)

	for k := range commandDescriptions {
		commandTables[commandTable{dir: k.dir, typ: k.typ}] = true
	}
}

var hidRequests = []string{
	"Not valid",
	"ping",
	"invalid - please retry",
	"platform info request",
	"set date",
	"cancel request",
	"store credential",
	"get credential",
	"get 32b rng",
	"start mmm",
	"get user change nb",
	"get card cpz",
	"get device settings",
	"set device settings",
	"reset unknown card",
	"get nb free users",
	"lock device",
	"get device status",
	"check password",
	"get user settings",
	"get category strings",
	"set category strings",
	"set user language",
	"get device language",
	"get user keyboard",
	"get number of languages",
	"get number of layouts",
	"get language description",
	"get layout description",
	"get user keyboard",
	"get user language",
	"set device language",
}

var hidAnswers = []string{
	"Not valid",
	"pong",
	"please retry",
	"platform info",
	"set date answer",
	"invalid - cancel request",
	"store credential answer",
	"get credential answer",
	"32b rng",
	"start mmm answer",
	"get user change nb answer",
	"get card cpz answer",
	"get device settings answer",
	"set device settings",
	"reset unknown card answer",
	"get nb free users answer",
	"lock device answer",
	"get device status answer",
	"check password answer",
	"get user settings answer",
	"get category strings answer",
	"set category strings answer",
	"set user language answer",
	"get device language answer",
	"get user keyboard answer",
	"get number of languages answer",
	"get number of layouts answer",
	"get language description answer",
	"get layout description answer",
	"get user keyboard answer",
	"get user language answer",
	"set device language answer",
}

var mmmRequests = []string{
	"get start parents",
	"end mmm",
	"read node",
	"set cred change nb",
	"set data change nb",
	"set cred start parent",
	"set data start parent",
	"set start parents",
	"get free nodes",
	"get ctr value",
	"set ctr value",
	"set favorite",
	"get favorite",
	"write node",
	"get cpz ctr",
	"get favorites",
}

var mmmAnswers = []string{
	"get start parents answer",
	"end mmm answer",
	"read node answer",
	"set cred change nb answer",
	"set data change nb answer",
	"set cred start parent answer",
	"set data start parent answer",
	"set start parents answer",
	"get free nodes answer",
	"get ctr value answer",
	"set ctr value answer",
	"set favorite answer",
	"get favorite answer",
	"write node answer",
	"get cpz ctr answer",
	"get favorites answer",
}

var debugRequests = []string{
	"debug message",
	"open display buffer",
	"send to display buffer",
	"close display buffer",
	"erase dataflash",
	"is dataflash ready",
	"dataflash 256B write",
	"start bootloader",
	"get acc 32 samples",
	"flash aux mcu",
	"get debug platform info",
	"reindex bundle",
}

var debugAnswers = []string{
	"debug message",
	"open display buffer answer",
	"send to display buffer answer",
	"close display buffer answer",
	"erase dataflash answer",
	"is dataflash ready answer",
	"dataflash 256B write answer",
	"start bootloader answer",
	"get acc 32 samples answer",
	"flash aux mcu answer",
	"get debug platform info answer",
	"reindex bundle answer",
}

var auxEvents = []string{
	"invalid",
	"ble enabled",
	"ble disabled",
	"tx sweep done",
	"func test done",
	"usb enumerated",
	"charge done",
	"charge failed",
	"sleep command received",
	"I'm here!",
	"BLE connected",
	"BLE disconnected",
	"USB detached",
	"NiMh charge level update",
	"USB timeout!",
	"here's my status",
	"attach command received",
	"charge started",
	"no comms info received",
	"shortcut typed",
	"new status received",
	"charge stopped",
	"new battery level received",
}

var mainCommands = []string{
	"invalid",
	"sleep",
	"attach usb",
	"slow nimh charge",
	"invalid",
	"charge battery",
	"no comms signal unavailable",
	"type shortcut",
	"detach USB",
	"functional test start",
	"update device status",
	"stop battery charge",
	"set battery level",
	"get AUX status",
}

var bleCommands = []string{
	"invalid",
	"enable bluetooth",
	"invalid",
	"store bond info",
	"recall bond info",
	"clear bond info",
	"enable pairing",
	"disable pairing",
	"get irk keys",
	"recall bond info irk",
	"get 6 digit code",
	"disconnect for next device",
}
