package mastership

import (
	"context"
	"testing"
)

func testCtx(t *testing.T) context.Context {
	ctx, cancel := context.WithCancel(context.Background())
	t.Cleanup(cancel)
	return ctx
}

func flowMod(xid uint32) Message {
	return &Generic{MsgType: TypeFlowMod, XID: xid}
}
