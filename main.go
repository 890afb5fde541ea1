package main

import "github.com/yanghaoming95/riscv-boom/cmd"

func main() {
	cmd.Exec()
}
