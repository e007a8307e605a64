// Command train fits the coordinate predictor to one source/target pair and
// writes the warped source.
package main

import (
	"flag"
	"log"
	"os"

	"github.com/sw965/infomatch/config"
	"github.com/sw965/infomatch/dataset"
	"github.com/sw965/infomatch/model/infomatch"
)

func main() {
	cfgPath := flag.String("config", "", "YAML config (defaults when empty)")
	source := flag.String("source", "", "source image")
	target := flag.String("target", "", "target image")
	size := flag.Int("size", 256, "resize both images to size x size (0 keeps the original size)")
	steps := flag.Int("steps", 100, "training steps")
	evalEvery := flag.Int("eval", 10, "log a test-step loss every n steps (0 disables)")
	out := flag.String("out", "warped.png", "output path for the warped source")
	resume := flag.String("resume", "", "checkpoint to start from")
	checkpoint := flag.String("checkpoint", "", "write the trained parameters to this safetensors file")
	flag.Parse()

	if *source == "" || *target == "" {
		flag.Usage()
		os.Exit(2)
	}

	cfg := config.Default()
	if *cfgPath != "" {
		var err error
		cfg, err = config.Load(*cfgPath)
		if err != nil {
			log.Fatal(err)
		}
	}

	src, tgt, err := dataset.LoadPair(*source, *target, *size, *size)
	if err != nil {
		log.Fatal(err)
	}
	log.Printf("loaded %s and %s as %s", *source, *target, src.ShapeString())

	model, err := infomatch.New(cfg)
	if err != nil {
		log.Fatal(err)
	}
	model.Logger = log.New(os.Stderr, "train: ", log.LstdFlags)
	if *resume != "" {
		if err := model.LoadCheckpoint(*resume); err != nil {
			log.Fatal(err)
		}
	}

	batch := infomatch.Batch{Source: src, Target: tgt}
	for i := 1; i <= *steps; i++ {
		if _, err := model.TrainStep(batch); err != nil {
			log.Fatalf("step %d: %v", i, err)
		}
		if *evalEvery > 0 && i%*evalEvery == 0 {
			metrics, err := model.TestStep(batch)
			if err != nil {
				log.Fatal(err)
			}
			log.Printf("eval after %d steps: %s %.5f", i, infomatch.LossKey, metrics[infomatch.LossKey])
		}
	}

	warped, err := model.Warp(src, tgt)
	if err != nil {
		log.Fatal(err)
	}
	if err := dataset.SavePNG(*out, warped, 0); err != nil {
		log.Fatal(err)
	}
	log.Printf("wrote %s", *out)

	if *checkpoint != "" {
		if err := model.SaveCheckpoint(*checkpoint); err != nil {
			log.Fatal(err)
		}
		log.Printf("wrote %s", *checkpoint)
	}
}
