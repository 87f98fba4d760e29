package main

import (
	"context"
	"flag"
	"log"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/apache/arrow-go/v18/arrow"
	"github.com/apache/arrow-go/v18/arrow/array"
	"github.com/apache/arrow-go/v18/arrow/memory"

	"github.com/rockfinch/rockfinch-go/bridge"
)

func buildRecord() arrow.Record {
	schema := arrow.NewSchema([]arrow.Field{
		{Name: "values", Type: arrow.PrimitiveTypes.Int32, Nullable: true},
	}, nil)
	b := array.NewRecordBuilder(memory.DefaultAllocator, schema)
	defer b.Release()
	b.Field(0).(*array.Int32Builder).AppendValues([]int32{10, 20, 0, 40, 50}, []bool{true, true, false, true, true})
	return b.NewRecord()
}

func main() {
	metricsAddr := flag.String("metrics", "", "address to serve Prometheus metrics on (empty to disable)")
	flag.Parse()

	br := bridge.New()
	rec := buildRecord()
	defer rec.Release()

	log.Printf("Exporting record (%d rows) as a capsule pair...", rec.NumRows())
	scCap, arrCap, err := br.ExportPair(rec, nil)
	if err != nil {
		log.Fatalf("Export failed: %v", err)
	}

	back, err := br.ImportPair(scCap, arrCap)
	if err != nil {
		log.Fatalf("Import failed: %v", err)
	}
	log.Printf("Imported record back: %d rows, schema %s", back.NumRows(), back.Schema())
	back.Release()
	scCap.Destroy()
	arrCap.Destroy()

	log.Printf("Exporting record as a one-batch stream capsule...")
	stCap, err := br.ExportRecordToStreamCapsule(rec, nil)
	if err != nil {
		log.Fatalf("Stream export failed: %v", err)
	}
	recs, err := br.ImportStream(stCap)
	if err != nil {
		log.Fatalf("Stream import failed: %v", err)
	}
	log.Printf("Drained %d batch(es) from the stream capsule", len(recs))
	for _, r := range recs {
		r.Release()
	}
	stCap.Destroy()

	if *metricsAddr == "" {
		return
	}

	server := bridge.NewMetricsServer(*metricsAddr)
	log.Printf("Serving metrics on %s/metrics...", *metricsAddr)
	server.StartAsync()

	quit := make(chan os.Signal, 1)
	signal.Notify(quit, syscall.SIGINT, syscall.SIGTERM)
	<-quit

	log.Println("Shutting down...")
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	if err := server.Stop(ctx); err != nil {
		log.Printf("Shutdown: %v", err)
	}
}
