package jit

import (
	"fmt"

	"github.com/chazu/tcjit/vm"
)

// ReqKind enumerates service requests.
type ReqKind uint8

const (
	ReqBindJmp ReqKind = iota
	ReqBindAddr
	ReqRetranslate
	ReqRetranslateOpt
	ReqPostInterpRet
	numReqKinds
)

var reqKindNames = [numReqKinds]string{
	ReqBindJmp:        "BIND_JMP",
	ReqBindAddr:       "BIND_ADDR",
	ReqRetranslate:    "RETRANSLATE",
	ReqRetranslateOpt: "RETRANSLATE_OPT",
	ReqPostInterpRet:  "POST_INTERP_RET",
}

// reqArgNames is the argument layout compiled code fills in for each kind.
var reqArgNames = [numReqKinds][]string{
	ReqBindJmp:        {"toSmash", "target", "flags", "stub"},
	ReqBindAddr:       {"toSmash", "target", "flags", "stub"},
	ReqRetranslate:    {"offset", "flags"},
	ReqRetranslateOpt: {"target"},
	ReqPostInterpRet:  {"ar", "caller"},
}

func (k ReqKind) String() string {
	if k < numReqKinds {
		return reqKindNames[k]
	}
	return fmt.Sprintf("ReqKind(%d)", uint8(k))
}

// ArgNames returns the argument layout of the request kind.
func (k ReqKind) ArgNames() []string {
	if k < numReqKinds {
		return reqArgNames[k]
	}
	return nil
}

// ServiceRequest is a call from generated code into the runtime. Each
// kind has its own payload type.
type ServiceRequest interface {
	Kind() ReqKind
}

// BindJmpReq asks the runtime to resolve Target and patch the jump at
// ToSmash to it. Stub is the temporary trampoline the jump pointed at.
type BindJmpReq struct {
	ToSmash TCA
	Target  vm.SrcKey
	Flags   TransFlags
	Stub    TCA
}

// BindAddrReq is BindJmpReq for a stored code address.
type BindAddrReq struct {
	ToSmash TCA
	Target  vm.SrcKey
	Flags   TransFlags
	Stub    TCA
}

// RetranslateReq asks for a new translation at Offset in the live function.
type RetranslateReq struct {
	Offset vm.Offset
	Flags  TransFlags
}

// RetranslateOptReq asks for an optimized retranslation of Target's function.
type RetranslateOptReq struct {
	Target vm.SrcKey
}

// PostInterpRetReq is raised when compiled code returns into a frame that
// was pushed by the interpreter.
type PostInterpRetReq struct {
	AR     *vm.ActRec // the frame that returned
	Caller *vm.ActRec // the frame being returned to
}

func (*BindJmpReq) Kind() ReqKind        { return ReqBindJmp }
func (*BindAddrReq) Kind() ReqKind       { return ReqBindAddr }
func (*RetranslateReq) Kind() ReqKind    { return ReqRetranslate }
func (*RetranslateOptReq) Kind() ReqKind { return ReqRetranslateOpt }
func (*PostInterpRetReq) Kind() ReqKind  { return ReqPostInterpRet }
