// Command resnet builds ResNet topologies, prints their layer graphs,
// exports them to ONNX and runs them on gorgonia.
package main

import "log"

func main() {
	if err := newRootCmd().Execute(); err != nil {
		log.Fatal(err)
	}
}
