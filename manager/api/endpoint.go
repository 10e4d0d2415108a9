package api

import (
	"context"
	"fmt"

	"github.com/go-kit/kit/endpoint"

	"github.com/medhive/coordinator/manager"
)

func makeRegisterClientEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(registerClientReq)

		return svc.RegisterClient(ctx, req.ClientID, req.ModelKind, req.Device)
	}
}

func makePingClientEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(clientReq)
		if err := svc.PingClient(ctx, req.ClientID); err != nil {
			return nil, err
		}

		return okRes{Status: "ok"}, nil
	}
}

func makeListRoundsEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(clientReq)
		invites, err := svc.ListAvailableRounds(ctx, req.ClientID, req.ModelKind)
		if err != nil {
			return nil, err
		}

		return invitesRes{Rounds: invites}, nil
	}
}

func makeCreateRoundEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(createRoundReq)
		roundID, err := svc.CreateRound(ctx, req.ModelID, req.ModelKind, req.RoundNumber, req.Config)
		if err != nil {
			return nil, err
		}

		return createRoundRes{RoundID: roundID}, nil
	}
}

func makeSelectClientsEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)
		if err := svc.SelectClients(ctx, req.RoundID); err != nil {
			return nil, err
		}

		return okRes{Status: "selected"}, nil
	}
}

func makeStartRoundEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)
		if err := svc.StartRound(ctx, req.RoundID); err != nil {
			return nil, err
		}

		return okRes{Status: "started"}, nil
	}
}

func makeJoinRoundEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(participantReq)
		result, err := svc.Join(ctx, req.RoundID, req.ClientID)
		if err != nil {
			return nil, err
		}

		return joinRes{
			GlobalModelURL:  fmt.Sprintf("/blobs/%s", result.GlobalBlobRef),
			GlobalBlobRef:   result.GlobalBlobRef,
			Hyperparameters: result.Hyperparameters,
		}, nil
	}
}

func makeDeclineRoundEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(participantReq)
		if err := svc.Decline(ctx, req.RoundID, req.ClientID); err != nil {
			return nil, err
		}

		return okRes{Status: "declined"}, nil
	}
}

func makeUploadModelEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(uploadReq)
		if err := svc.UploadModel(ctx, req.RoundID, req.ClientID, req.Blob, req.Signature, req.TrainingMetrics); err != nil {
			return nil, err
		}

		return okRes{Status: "accepted"}, nil
	}
}

func makeRoundStatusEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)

		return svc.GetRoundStatus(ctx, req.RoundID)
	}
}

func makePurgeRoundEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(roundReq)
		if err := svc.PurgeRound(ctx, req.RoundID); err != nil {
			return nil, err
		}

		return okRes{Status: "purged"}, nil
	}
}

func makeGetBlobEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		ref := request.(string)
		data, err := svc.GetBlob(ctx, ref)
		if err != nil {
			return nil, err
		}

		return globalModelRes{Data: data}, nil
	}
}

func makeGlobalModelEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(globalModelReq)
		data, version, err := svc.GetGlobalModel(ctx, req.ModelKind, req.Version)
		if err != nil {
			return nil, err
		}

		return globalModelRes{Version: version, Data: data}, nil
	}
}

func makeListVersionsEndpoint(svc manager.Service) endpoint.Endpoint {
	return func(ctx context.Context, request interface{}) (interface{}, error) {
		req := request.(globalModelReq)
		versions, err := svc.ListModelVersions(ctx, req.ModelKind)
		if err != nil {
			return nil, err
		}

		return versionsRes{ModelKind: req.ModelKind, Versions: versions}, nil
	}
}
