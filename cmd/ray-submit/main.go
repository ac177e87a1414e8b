package main

import (
	"os"

	"github.com/sirupsen/logrus"

	"github.com/buildbarn/bonanza/cmd/ray-submit/cmd"
)

func main() {
	if err := cmd.RootCmd().Execute(); err != nil {
		logrus.WithError(err).Error("ray-submit failed")
		os.Exit(1)
	}
}
