package main

import "github.com/quorumkv/qKV/cmd"

func main() {
	cmd.Execute()
}
