package main

import "repokeeper/internal/cmd"

func main() {
	cmd.Execute()
}
