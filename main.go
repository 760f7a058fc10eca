package main

import "github.com/gebin/importer-exporter/cmd"

func main() {
	cmd.Execute()
}
