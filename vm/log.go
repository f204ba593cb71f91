package vm

import "github.com/tliron/commonlog"

var (
	rootLog      = commonlog.GetLogger("codecache")
	resolverLog  = commonlog.GetLogger("codecache.resolver")
	sweeperLog   = commonlog.GetLogger("codecache.sweeper")
	pumpLog      = commonlog.GetLogger("codecache.pump")
	compilerLog  = commonlog.GetLogger("codecache.compiler")
	safepointLog = commonlog.GetLogger("codecache.safepoint")
)
