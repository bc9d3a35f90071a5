package integration_test

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/jackc/pgx/v5/pgxpool"
	amqp "github.com/rabbitmq/amqp091-go"
	redisclient "github.com/redis/go-redis/v9"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
	"go.mongodb.org/mongo-driver/bson"
	"go.mongodb.org/mongo-driver/mongo"
	"go.mongodb.org/mongo-driver/mongo/options"

	"github.com/adilkhanov/ride-match/internal/adapters/crdb"
	mongoadapter "github.com/adilkhanov/ride-match/internal/adapters/mongo"
	"github.com/adilkhanov/ride-match/internal/adapters/rabbit"
	redisadapter "github.com/adilkhanov/ride-match/internal/adapters/redis"
	"github.com/adilkhanov/ride-match/internal/bundling"
	"github.com/adilkhanov/ride-match/internal/claims"
	"github.com/adilkhanov/ride-match/internal/config"
	"github.com/adilkhanov/ride-match/internal/domain"
	"github.com/adilkhanov/ride-match/internal/feed"
	httphandler "github.com/adilkhanov/ride-match/internal/http"
	"github.com/adilkhanov/ride-match/internal/idempotency"
	"github.com/adilkhanov/ride-match/internal/observability"
	"github.com/adilkhanov/ride-match/internal/rateLimit"
)

const schema = `
	CREATE DATABASE IF NOT EXISTS ridematch;
	CREATE TABLE IF NOT EXISTS ridematch.orders (
		id UUID PRIMARY KEY,
		user_id UUID NOT NULL,
		type TEXT CHECK (type IN ('passenger', 'parcel')),
		from_city TEXT NOT NULL,
		to_city TEXT NOT NULL,
		scheduled_at TIMESTAMPTZ NOT NULL,
		status TEXT CHECK (status IN ('pending', 'matched', 'completed', 'cancelled')),
		claimed_by UUID,
		price NUMERIC,
		details JSONB,
		created_at TIMESTAMPTZ NOT NULL,
		updated_at TIMESTAMPTZ NOT NULL
	);
	CREATE TABLE IF NOT EXISTS ridematch.outbox (
		id UUID PRIMARY KEY,
		order_id UUID NOT NULL,
		event_type TEXT NOT NULL,
		payload_json BYTES,
		created_at TIMESTAMPTZ NOT NULL DEFAULT now(),
		published_at TIMESTAMPTZ,
		status TEXT NOT NULL DEFAULT 'NEW',
		dedupe_key TEXT
	);
`

func TestIntegration_CreateFeedClaim(t *testing.T) {
	ctx := context.Background()

	crdbContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "cockroachdb/cockroach:v24.1.1",
			Cmd:          []string{"start-single-node", "--insecure"},
			ExposedPorts: []string{"26257/tcp", "8080/tcp"},
			WaitingFor:   wait.ForHTTP("/health?ready=1").WithPort("8080"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer crdbContainer.Terminate(ctx)

	mongoContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "mongo:7",
			ExposedPorts: []string{"27017/tcp"},
			WaitingFor:   wait.ForExec([]string{"mongosh", "--eval", "db.runCommand('ping').ok"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer mongoContainer.Terminate(ctx)

	redisContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "redis:7",
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForExec([]string{"redis-cli", "ping"}),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer redisContainer.Terminate(ctx)

	rabbitContainer, err := testcontainers.GenericContainer(ctx, testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        "rabbitmq:3.13-management",
			ExposedPorts: []string{"5672/tcp", "15672/tcp"},
			WaitingFor:   wait.ForHTTP("/api/health").WithPort("15672"),
		},
		Started: true,
	})
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitContainer.Terminate(ctx)

	crdbHost, _ := crdbContainer.Host(ctx)
	crdbPort, _ := crdbContainer.MappedPort(ctx, "26257")
	mongoHost, _ := mongoContainer.Host(ctx)
	mongoPort, _ := mongoContainer.MappedPort(ctx, "27017")
	redisHost, _ := redisContainer.Host(ctx)
	redisPort, _ := redisContainer.MappedPort(ctx, "6379")
	rabbitHost, _ := rabbitContainer.Host(ctx)
	rabbitPort, _ := rabbitContainer.MappedPort(ctx, "5672")

	cfg := &config.Config{
		DBDSN:        "postgresql://root@" + crdbHost + ":" + crdbPort.Port() + "/ridematch?sslmode=disable",
		MongoURI:     "mongodb://" + mongoHost + ":" + mongoPort.Port(),
		RedisAddr:    redisHost + ":" + redisPort.Port(),
		RabbitURL:    "amqp://guest:guest@" + rabbitHost + ":" + rabbitPort.Port() + "/",
		HTTPAddr:     ":8091",
		BundleWindow: time.Hour,
		ClaimTimeout: 5 * time.Second,
		FeedPoll:     time.Second,
	}

	pool, err := pgxpool.New(ctx, cfg.DBDSN)
	if err != nil {
		t.Fatal(err)
	}
	defer pool.Close()
	if _, err := pool.Exec(ctx, schema); err != nil {
		t.Fatal(err)
	}
	repo := crdb.NewRepository(pool)

	mongoClient, err := mongo.Connect(ctx, options.Client().ApplyURI(cfg.MongoURI))
	if err != nil {
		t.Fatal(err)
	}
	defer mongoClient.Disconnect(ctx)
	mongoDB := mongoClient.Database("ridematch")
	logger := observability.NewLogger("error")
	profiles := mongoadapter.NewProfileRepository(mongoDB, logger)
	audit := mongoadapter.NewAuditLogger(mongoDB, logger)

	// Seed profiles directly; identity handling is out of scope.
	passengerID, driverA, driverB := uuid.New(), uuid.New(), uuid.New()
	docs := []interface{}{
		bson.M{"_id": passengerID, "telegram_id": "100", "role": "passenger", "full_name": "Aigerim"},
		bson.M{"_id": driverA, "telegram_id": "200", "role": "driver", "full_name": "Bolat"},
		bson.M{"_id": driverB, "telegram_id": "300", "role": "driver", "full_name": "Daulet"},
	}
	if _, err := mongoDB.Collection("profiles").InsertMany(ctx, docs); err != nil {
		t.Fatal(err)
	}

	redisClient := redisclient.NewClient(&redisclient.Options{Addr: cfg.RedisAddr})
	redisCache := redisadapter.NewCache(redisClient)
	redisIdemp := redisadapter.NewIdempotency(redisClient)
	idemp := idempotency.NewIdempotency(redisIdemp, time.Hour)
	rl := rateLimit.NewRateLimiter(redisCache)

	rabbitConn, err := amqp.Dial(cfg.RabbitURL)
	if err != nil {
		t.Fatal(err)
	}
	defer rabbitConn.Close()

	engine := bundling.NewEngine(cfg.BundleWindow)
	// No advisory locker here: both racing drivers must reach the store CAS.
	arbiter := claims.NewArbiter(repo, profiles, audit, nil, logger, cfg.ClaimTimeout)
	feedCtrl := feed.NewController(repo, profiles, engine, logger)

	consumer, err := rabbit.NewConsumer(rabbitConn, "feed.test.q")
	if err != nil {
		t.Fatal(err)
	}
	deliveries, err := consumer.Consume(ctx)
	if err != nil {
		t.Fatal(err)
	}
	runCtx, cancelRun := context.WithCancel(ctx)
	defer cancelRun()
	go feedCtrl.Run(runCtx, deliveries, cfg.FeedPoll)

	handlers := httphandler.NewHandlers(cfg, repo, profiles, arbiter, feedCtrl, idemp)
	r := httphandler.SetupRouter(handlers, logger, rl, profiles)

	srv := &http.Server{Addr: cfg.HTTPAddr, Handler: r}
	go srv.ListenAndServe()
	defer srv.Shutdown(ctx)
	time.Sleep(200 * time.Millisecond)

	base := "http://localhost:8091"

	post := func(userID uuid.UUID, path string, body interface{}) *http.Response {
		data, _ := json.Marshal(body)
		req, _ := http.NewRequest("POST", base+path, bytes.NewReader(data))
		req.Header.Set("Content-Type", "application/json")
		req.Header.Set("Idempotency-Key", uuid.New().String())
		req.Header.Set("X-User-ID", userID.String())
		resp, err := http.DefaultClient.Do(req)
		if err != nil {
			t.Fatal(err)
		}
		return resp
	}

	// Three orders to Astana inside one window, one far outside it.
	departure := time.Now().Add(6 * time.Hour).Truncate(time.Hour)
	var orderIDs []uuid.UUID
	for _, offset := range []time.Duration{0, 30 * time.Minute, 50 * time.Minute, 4 * time.Hour} {
		resp := post(passengerID, "/v1/orders", map[string]interface{}{
			"type":         "passenger",
			"from_city":    "Almaty",
			"to_city":      "Astana",
			"scheduled_at": departure.Add(offset).Format(time.RFC3339),
			"seat_count":   1,
			"phone":        "+77011234567",
		})
		if resp.StatusCode != http.StatusCreated {
			t.Fatalf("create order failed: %d", resp.StatusCode)
		}
		var created struct {
			OrderID uuid.UUID `json:"order_id"`
		}
		json.NewDecoder(resp.Body).Decode(&created)
		resp.Body.Close()
		orderIDs = append(orderIDs, created.OrderID)
	}

	// The driver feed should bundle the first three and leave the last standalone.
	req, _ := http.NewRequest("GET", base+"/v1/feed?to_city=Astana", nil)
	req.Header.Set("X-User-ID", driverA.String())
	resp, err := http.DefaultClient.Do(req)
	if err != nil || resp.StatusCode != http.StatusOK {
		t.Fatalf("feed failed: %v, status %d", err, resp.StatusCode)
	}
	var feedResp struct {
		Bundles []struct {
			Orders []struct {
				ID uuid.UUID `json:"id"`
			} `json:"orders"`
		} `json:"bundles"`
		StandaloneOrders []struct {
			ID uuid.UUID `json:"id"`
		} `json:"standalone_orders"`
	}
	json.NewDecoder(resp.Body).Decode(&feedResp)
	resp.Body.Close()
	if len(feedResp.Bundles) != 1 || len(feedResp.Bundles[0].Orders) != 3 {
		t.Fatalf("expected one 3-member bundle, got %+v", feedResp)
	}
	if len(feedResp.StandaloneOrders) != 1 || feedResp.StandaloneOrders[0].ID != orderIDs[3] {
		t.Fatalf("expected the late order standalone, got %+v", feedResp.StandaloneOrders)
	}

	// Both drivers race for the standalone order; exactly one may win.
	target := orderIDs[3]
	statuses := make([]int, 2)
	var wg sync.WaitGroup
	for i, driverID := range []uuid.UUID{driverA, driverB} {
		i, driverID := i, driverID
		wg.Add(1)
		go func() {
			defer wg.Done()
			resp := post(driverID, "/v1/orders/"+target.String()+"/claim", nil)
			resp.Body.Close()
			statuses[i] = resp.StatusCode
		}()
	}
	wg.Wait()
	if !(statuses[0] == http.StatusOK && statuses[1] == http.StatusConflict) &&
		!(statuses[0] == http.StatusConflict && statuses[1] == http.StatusOK) {
		t.Fatalf("expected exactly one winner, got %v", statuses)
	}

	got, err := repo.GetOrder(ctx, target)
	if err != nil {
		t.Fatal(err)
	}
	if got.Status != domain.StatusMatched || got.ClaimedBy == nil {
		t.Fatalf("claimed order not matched: %+v", got)
	}
	winner := driverA
	if statuses[1] == http.StatusOK {
		winner = driverB
	}
	if *got.ClaimedBy != winner {
		t.Fatalf("claimant %s is not the winner %s", got.ClaimedBy, winner)
	}

	// Bundle claim: driver B takes the whole Astana bundle atomically.
	bundleIDs := orderIDs[:3]
	resp = post(driverB, "/v1/bundles/claim", map[string]interface{}{"order_ids": bundleIDs})
	if resp.StatusCode != http.StatusOK {
		t.Fatalf("bundle claim failed: %d", resp.StatusCode)
	}
	resp.Body.Close()
	for _, id := range bundleIDs {
		got, err := repo.GetOrder(ctx, id)
		if err != nil {
			t.Fatal(err)
		}
		if got.Status != domain.StatusMatched || got.ClaimedBy == nil || *got.ClaimedBy != driverB {
			t.Fatalf("bundle member %s not matched to driver B: %+v", id, got)
		}
	}

	// A repeat bundle claim must fail with the full unavailable set and
	// change nothing.
	resp = post(driverA, "/v1/bundles/claim", map[string]interface{}{"order_ids": bundleIDs})
	if resp.StatusCode != http.StatusConflict {
		t.Fatalf("repeat bundle claim should conflict, got %d", resp.StatusCode)
	}
	var conflictResp struct {
		UnavailableIDs []uuid.UUID `json:"unavailable_ids"`
	}
	json.NewDecoder(resp.Body).Decode(&conflictResp)
	resp.Body.Close()
	if len(conflictResp.UnavailableIDs) != 3 {
		t.Fatalf("expected all 3 members unavailable, got %v", conflictResp.UnavailableIDs)
	}
}
