package main

import (
	"github.com/smallbiznis/genbroker/internal/app"
	"go.uber.org/fx"
)

func main() {
	fx.New(
		app.Core(),
		app.API(),
	).Run()
}
