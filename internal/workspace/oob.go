package workspace

import (
	"fmt"

	"github.com/vmihailenco/msgpack/v5"

	"github.com/remoralabs/remora/internal/api"
	"github.com/remoralabs/remora/internal/oob"
)

// RegisterOOBHandlers wires the control-plane message handlers onto the
// given server. The OOB server owns a reference to the workspace, never the
// other way around.
func RegisterOOBHandlers(s *oob.Server, ws *Workspace) {
	s.Handle(oob.MsgAgentRegisterClient, func(payload []byte) ([]byte, error) {
		var req oob.RegisterClientReq
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		if len(req.JobName) == 0 || len(req.JobName) > oob.MaxJobNameLen {
			return nil, fmt.Errorf("invalid job name length %d", len(req.JobName))
		}
		c, code := ws.CreateClient(req.JobName)
		resp := oob.RegisterClientResp{Registered: code.OK()}
		if code.OK() {
			resp.UUID = c.UUID
		}
		return msgpack.Marshal(resp)
	})

	s.Handle(oob.MsgAgentUnregisterClient, func(payload []byte) ([]byte, error) {
		var req oob.UnregisterClientReq
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		code := ws.RemoveClient(req.UUID)
		return msgpack.Marshal(oob.UnregisterClientResp{OK: code.OK()})
	})

	s.Handle(oob.MsgCLIMigrationSignal, func(payload []byte) ([]byte, error) {
		var req oob.MigrationSignalReq
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		code := ws.MigrationSignal(req.UUID, req.Target, req.PhaseMask, req.DoModule)
		return msgpack.Marshal(oob.MigrationSignalResp{Code: uint32(code)})
	})

	s.Handle(oob.MsgCLIRestoreSignal, func(payload []byte) ([]byte, error) {
		var req oob.RestoreSignalReq
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		code := ws.RestoreSignal(req.UUID, req.ImagePath)
		return msgpack.Marshal(oob.RestoreSignalResp{Code: uint32(code)})
	})

	s.Handle(oob.MsgUtilsMockApiCall, func(payload []byte) ([]byte, error) {
		var req oob.MockApiCallReq
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		params := make([]api.ParamDesc, len(req.Params))
		for i, p := range req.Params {
			params[i] = api.ParamDesc{Kind: api.ParamKind(p.Kind), Size: p.Size, Data: p.Data}
		}
		qe, code := ws.Process(req.UUID, req.APIID, params, int(req.RetLen))
		resp := oob.MockApiCallResp{Code: uint32(code)}
		if qe != nil {
			resp.RetCode = int32(qe.RetCode)
			resp.RetData = qe.RetData
		}
		return msgpack.Marshal(resp)
	})

	s.Handle(oob.MsgCLICkptInterval, func(payload []byte) ([]byte, error) {
		var req oob.CkptIntervalReq
		if err := msgpack.Unmarshal(payload, &req); err != nil {
			return nil, err
		}
		ws.Conf().SetCkptIntervalMs(req.IntervalMs)
		return msgpack.Marshal(oob.CkptIntervalResp{Code: 0})
	})
}
