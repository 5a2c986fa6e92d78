package main

import "go.pilab.hu/sessionguard/cmd/guardctl/cmd"

func main() {
	cmd.Execute()
}
