package main

import (
	"context"
	"flag"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/redis/go-redis/v9"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"
	"go.uber.org/zap"
	"golang.org/x/sync/errgroup"

	envelopeRepo "collabsync/internal/repository/envelope"
	participantRepo "collabsync/internal/repository/participant"
	redisSvc "collabsync/internal/service/redis"
	"collabsync/internal/service/server"
	"collabsync/internal/utils/log"
)

func main() {
	addr := flag.String("addr", "localhost:9090", "listen address")
	mongoURI := flag.String("mongo", "mongodb://localhost:27017", "mongo URI")
	redisAddr := flag.String("redis", "localhost:6379", "redis address")
	token := flag.String("token", "dev-token", "bearer token clients must present")
	flag.Parse()

	mongoDBClient, err := initMongo(*mongoURI)
	if err != nil {
		panic(err)
	}

	db := mongoDBClient.Database("collabsync")

	rdb := redis.NewClient(&redis.Options{
		Addr:     *redisAddr,
		Password: "",
		DB:       0,
	})

	s := server.NewHttpServer(
		participantRepo.NewRepo(db),
		envelopeRepo.NewRepo(db),
		redisSvc.New(rdb),
		*token,
	)

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	g, _ := errgroup.WithContext(ctx)
	g.Go(func() error {
		log.Info("relay listening", zap.String("addr", *addr))
		return s.Run(*addr)
	})

	done := make(chan os.Signal, 1)
	signal.Notify(done, syscall.SIGINT, syscall.SIGTERM)
	<-done
	cancel()

	if err := g.Wait(); err != nil {
		log.Error("relay stopped", zap.Error(err))
	}
}

func initMongo(uri string) (*mongo.Client, error) {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	client, err := mongo.Connect(ctx, options.Client().ApplyURI(uri))
	if err != nil {
		return nil, err
	}
	return client, client.Ping(ctx, nil)
}
