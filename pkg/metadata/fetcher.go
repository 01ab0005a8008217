package metadata

import (
	"context"
	"errors"
	"strconv"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/deflix-tv/go-stremio/pkg/cinemeta"
	"github.com/deflix-tv/imdb2meta/pb"
)

// Fetcher resolves IMDb IDs into title metadata. When an imdb2meta gRPC
// server is configured it's tried first; Cinemeta over HTTP is the fallback.
type Fetcher struct {
	imdb2metaClient pb.MetaFetcherClient
	cinemetaClient  *cinemeta.Client
	conn            *grpc.ClientConn
	logger          *zap.Logger
}

// NewFetcher creates a metadata fetcher. One of imdb2metaAddress and
// cinemetaClient can be empty/nil, but not both. Call Close when finished.
func NewFetcher(imdb2metaAddress string, cinemetaClient *cinemeta.Client, logger *zap.Logger) (*Fetcher, error) {
	if imdb2metaAddress == "" && cinemetaClient == nil {
		return nil, errors.New("one of the arguments must not be empty/nil")
	}

	var imdb2metaClient pb.MetaFetcherClient
	var conn *grpc.ClientConn
	if imdb2metaAddress != "" {
		logger.Info("Connecting to imdb2meta gRPC server...", zap.String("address", imdb2metaAddress))
		ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
		defer cancel()
		var err error
		conn, err = grpc.DialContext(ctx, imdb2metaAddress, grpc.WithTransportCredentials(insecure.NewCredentials()), grpc.WithBlock())
		if err != nil {
			return nil, err
		}
		imdb2metaClient = pb.NewMetaFetcherClient(conn)
		logger.Info("Connected to imdb2meta gRPC server")
	}

	return &Fetcher{
		imdb2metaClient: imdb2metaClient,
		cinemetaClient:  cinemetaClient,
		conn:            conn,
		logger:          logger,
	}, nil
}

// GetMovie resolves a movie's metadata record.
func (f *Fetcher) GetMovie(ctx context.Context, imdbID string) (Record, error) {
	if f.imdb2metaClient != nil {
		res, err := f.imdb2metaClient.Get(ctx, &pb.MetaRequest{Id: imdbID})
		if err == nil {
			return Record{
				Titles: titles(res.GetPrimaryTitle(), res.GetOriginalTitle()),
				Year:   int(res.GetStartYear()),
			}, nil
		}
		f.logger.Error("Couldn't get movie from imdb2meta gRPC server. Falling back to Cinemeta.", zap.Error(err), zap.String("imdbID", imdbID))
	}
	if f.cinemetaClient == nil {
		return Record{}, errors.New("no metadata source available")
	}
	meta, err := f.cinemetaClient.GetMovie(ctx, imdbID)
	if err != nil {
		return Record{}, err
	}
	return cinemetaRecord(meta, 0, 0), nil
}

// GetTVShow resolves an episode's metadata record.
func (f *Fetcher) GetTVShow(ctx context.Context, imdbID string, season, episode int) (Record, error) {
	if f.imdb2metaClient != nil {
		res, err := f.imdb2metaClient.Get(ctx, &pb.MetaRequest{Id: imdbID})
		if err == nil {
			return Record{
				Titles:  titles(res.GetPrimaryTitle(), res.GetOriginalTitle()),
				Year:    int(res.GetStartYear()),
				Season:  season,
				Episode: episode,
			}, nil
		}
		f.logger.Error("Couldn't get TV show from imdb2meta gRPC server. Falling back to Cinemeta.", zap.Error(err), zap.String("imdbID", imdbID))
	}
	if f.cinemetaClient == nil {
		return Record{}, errors.New("no metadata source available")
	}
	meta, err := f.cinemetaClient.GetTVShow(ctx, imdbID, season, episode)
	if err != nil {
		return Record{}, err
	}
	return cinemetaRecord(meta, season, episode), nil
}

func cinemetaRecord(meta cinemeta.Meta, season, episode int) Record {
	record := Record{
		Titles:  []string{meta.Name},
		Season:  season,
		Episode: episode,
	}
	releaseInfo := meta.ReleaseInfo
	if len(releaseInfo) > 4 {
		releaseInfo = releaseInfo[:4]
	}
	if year, err := strconv.Atoi(releaseInfo); err == nil {
		record.Year = year
	}
	return record
}

func titles(primary, original string) []string {
	if original != "" && original != primary {
		return []string{primary, original}
	}
	return []string{primary}
}

func (f *Fetcher) Close() error {
	if f.conn == nil {
		return nil
	}
	return f.conn.Close()
}
