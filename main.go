package main

import (
	"fmt"
	"os"
)

func main() {
	if len(os.Args) < 2 {
		printUsage()
		os.Exit(1)
	}

	var err error
	switch cmd := os.Args[1]; cmd {
	case "train":
		err = cmdTrain(os.Args[2:])
	case "evaluate":
		err = cmdEvaluate(os.Args[2:])
	case "caption":
		err = cmdCaption(os.Args[2:])
	case "vocab":
		err = cmdVocab(os.Args[2:])
	case "help", "-h", "--help":
		printUsage()
		return
	default:
		fmt.Fprintf(os.Stderr, "Unknown command: %s\n", cmd)
		printUsage()
		os.Exit(1)
	}

	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %v\n", err)
		os.Exit(1)
	}
}

func fileExists(path string) bool {
	_, err := os.Stat(path)
	return err == nil
}

func printUsage() {
	fmt.Println("Usage:")
	fmt.Println("  caption-transformer [command] [options]")
	fmt.Println()
	fmt.Println("Commands:")
	fmt.Println("  train      Train a captioning model on precomputed image features")
	fmt.Println("  evaluate   Score a trained model on the test split (loss, BLEU-1..4)")
	fmt.Println("  caption    Generate captions for the given image ids")
	fmt.Println("  vocab      Build and inspect the vocabulary for a corpus")
	fmt.Println("  help       Show this help message")
	fmt.Println()
	fmt.Println("Examples:")
	fmt.Println("  caption-transformer train -exp_name=base -batch_size=50 -head=8 -warmup=10000 \\")
	fmt.Println("      -features_path=features -train_json_path=train.json -val_json_path=val.json \\")
	fmt.Println("      -dir_to_save_model=saved_models")
	fmt.Println("  caption-transformer evaluate -exp_name=base -features_path=features -test_json_path=test.json")
	fmt.Println("  caption-transformer caption -exp_name=base -features_path=features -beam_size=5 9081 9337")
	fmt.Println("  caption-transformer vocab -train_json_path=train.json -min_freq=5")
	fmt.Println()
}
