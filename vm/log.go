package vm

import (
	"github.com/tliron/commonlog"

	_ "github.com/tliron/commonlog/simple"
)

// log is the engine's logger. Hosts choose verbosity and destination with
// commonlog.Configure; by default only warnings and above are written.
var log = commonlog.GetLogger("basalt.vm")
